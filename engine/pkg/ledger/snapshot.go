package ledger

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/gagliardetto/solana-go"
)

// Snapshot is everything listed under one fanout at one point in time.
type Snapshot struct {
	Address solana.PublicKey
	Fanout  *Record

	// Shares are ordered by index.
	Shares   []*Record
	Inflows  []*Record
	Vouchers []*Record
}

// LoadSnapshot reads the fanout and its owned records. It returns ErrNotFound
// if the fanout is absent.
func LoadSnapshot(ctx context.Context, r Reader, fanout solana.PublicKey) (*Snapshot, error) {
	rec, err := r.Get(ctx, fanout)
	if err != nil {
		return nil, fmt.Errorf("failed to get fanout %s: %w", fanout, err)
	}
	if _, ok := As[*Fanout](rec); !ok {
		return nil, fmt.Errorf("%w: %s is a %s, not a fanout", ErrInconsistent, fanout, rec.Kind())
	}

	s := &Snapshot{Address: fanout, Fanout: rec}
	if s.Shares, err = r.List(ctx, fanout, KindWalletShare); err != nil {
		return nil, fmt.Errorf("failed to list wallet shares: %w", err)
	}
	if s.Inflows, err = r.List(ctx, fanout, KindTokenInflow); err != nil {
		return nil, fmt.Errorf("failed to list token inflows: %w", err)
	}
	if s.Vouchers, err = r.List(ctx, fanout, KindVoucher); err != nil {
		return nil, fmt.Errorf("failed to list vouchers: %w", err)
	}
	slices.SortFunc(s.Shares, func(a, b *Record) int {
		return cmp.Compare(a.Account.(*WalletShare).Index, b.Account.(*WalletShare).Index)
	})
	return s, nil
}

// FanoutAccount returns the fanout body.
func (s *Snapshot) FanoutAccount() *Fanout {
	return s.Fanout.Account.(*Fanout)
}

// Empty reports whether the fanout owns nothing anymore.
func (s *Snapshot) Empty() bool {
	return len(s.Shares) == 0 && len(s.Inflows) == 0 && len(s.Vouchers) == 0
}

// Inflow returns the inflow record for mint, or nil.
func (s *Snapshot) Inflow(mint solana.PublicKey) *Record {
	for _, rec := range s.Inflows {
		if rec.Account.(*TokenInflow).Mint.Equals(mint) {
			return rec
		}
	}
	return nil
}

// Share returns the live share at index, or nil.
func (s *Snapshot) Share(index uint32) *Record {
	for _, rec := range s.Shares {
		if rec.Account.(*WalletShare).Index == index {
			return rec
		}
	}
	return nil
}

// VouchersOf returns the vouchers of a wallet share.
func (s *Snapshot) VouchersOf(share solana.PublicKey) []*Record {
	var out []*Record
	for _, rec := range s.Vouchers {
		if rec.Account.(*Voucher).WalletShare.Equals(share) {
			out = append(out, rec)
		}
	}
	return out
}

// VouchersFor returns the vouchers of a mint.
func (s *Snapshot) VouchersFor(mint solana.PublicKey) []*Record {
	var out []*Record
	for _, rec := range s.Vouchers {
		if rec.Account.(*Voucher).Mint.Equals(mint) {
			out = append(out, rec)
		}
	}
	return out
}
