package fanout

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
)

// BalanceSource reports token balances held outside the ledger.
type BalanceSource interface {
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
}

// MintBalance is what a fanout holds of one enabled mint.
type MintBalance struct {
	Mint solana.PublicKey `json:"mint"`

	// Ledger is the fanout's token account in the ledger; claims pay out of
	// it. Snapshot is how much of it the inflow has accounted for.
	Ledger   uint64 `json:"ledger,string"`
	Snapshot uint64 `json:"last_snapshot,string"`

	// Chain is set when a chain source is configured.
	Chain *uint64 `json:"chain,omitempty,string"`
}

// Drift returns chain minus ledger, or 0 without a chain balance.
func (b MintBalance) Drift() int64 {
	if b.Chain == nil {
		return 0
	}
	return int64(*b.Chain) - int64(b.Ledger)
}

// Balances returns the balance of every enabled mint of fanout.
func (s *Service) Balances(ctx context.Context, fanout solana.PublicKey) ([]MintBalance, error) {
	snap, err := ledger.LoadSnapshot(ctx, s.cfg.Ledger, fanout)
	if err != nil {
		return nil, err
	}
	out := make([]MintBalance, 0, len(snap.Inflows))
	for _, rec := range snap.Inflows {
		inflow := rec.Account.(*ledger.TokenInflow)
		b := MintBalance{Mint: inflow.Mint, Snapshot: inflow.LastSnapshot}
		if b.Ledger, err = s.cfg.Ledger.TokenBalance(ctx, fanout, inflow.Mint); err != nil {
			return nil, fmt.Errorf("failed to get ledger balance of %s: %w", inflow.Mint, err)
		}
		if s.cfg.Chain != nil {
			chain, err := s.cfg.Chain.TokenBalance(ctx, fanout, inflow.Mint)
			if err != nil {
				return nil, fmt.Errorf("failed to get chain balance of %s: %w", inflow.Mint, err)
			}
			b.Chain = &chain
			if drift := b.Drift(); drift != 0 {
				s.log.Warn("fanout: chain balance differs from ledger", "fanout", fanout, "mint", inflow.Mint, "drift", drift)
			}
		}
		out = append(out, b)
	}
	return out, nil
}
