package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/slots"
)

// Account is the body of a ledger record. The set of implementations is
// closed: one per Kind.
type Account interface {
	Kind() Kind
	isAccount()
}

// Fanout is the distribution root.
type Fanout struct {
	Authority         solana.PublicKey
	CronJob           solana.PublicKey
	TotalShares       uint32
	TotalSharesIssued uint32
	NextShareIndex    uint32
	NextSlot          uint32
	Name              string
	Schedule          string
	AvailableSlots    []uint32
	NumInflows        uint32
}

// Slots returns a copy of the fanout's slot allocator state.
func (f *Fanout) Slots() slots.State {
	return slots.State{Available: f.AvailableSlots, Next: f.NextSlot}.Clone()
}

// SetSlots stores allocator state back on the fanout.
func (f *Fanout) SetSlots(s slots.State) {
	s = s.Clone()
	f.AvailableSlots = s.Available
	f.NextSlot = s.Next
}

// WalletShare is one recipient's weight under a fanout.
type WalletShare struct {
	Fanout     solana.PublicKey
	Index      uint32
	Wallet     solana.PublicKey
	Shares     uint32
	RentRefund solana.PublicKey
}

// TokenInflow accumulates everything that has flowed into a fanout for one mint.
type TokenInflow struct {
	Fanout       solana.PublicKey
	Mint         solana.PublicKey
	TotalInflow  uint64
	LastSnapshot uint64
	RentRefund   solana.PublicKey
	NumVouchers  uint32
}

// Voucher is the claim right of one wallet share on one mint.
type Voucher struct {
	WalletShare solana.PublicKey
	Wallet      solana.PublicKey
	Slot        uint32
	Fanout      solana.PublicKey
	Mint        solana.PublicKey
	LastClaimed uint64
	// TotalDust carries sub-unit remainders at 12 extra decimals.
	TotalDust  uint64
	Shares     uint32
	RentRefund solana.PublicKey
}

// TokenAccount is the associated token account of Owner for Mint.
type TokenAccount struct {
	Owner  solana.PublicKey
	Mint   solana.PublicKey
	Amount uint64
}

func (*Fanout) Kind() Kind       { return KindFanout }
func (*WalletShare) Kind() Kind  { return KindWalletShare }
func (*TokenInflow) Kind() Kind  { return KindTokenInflow }
func (*Voucher) Kind() Kind      { return KindVoucher }
func (*TokenAccount) Kind() Kind { return KindTokenAccount }

func (*Fanout) isAccount()       {}
func (*WalletShare) isAccount()  {}
func (*TokenInflow) isAccount()  {}
func (*Voucher) isAccount()      {}
func (*TokenAccount) isAccount() {}

// Record is a versioned account at an address. Version 0 means the record
// has never been written; every successful write bumps it by one.
type Record struct {
	Address solana.PublicKey
	Version uint64
	Account Account
}

// Kind returns the kind of the record's account.
func (r *Record) Kind() Kind {
	return r.Account.Kind()
}

// FanoutKey is the fanout a record is listed under. Token accounts are listed
// under their owner, so a fanout lists its own token accounts.
func (r *Record) FanoutKey() solana.PublicKey {
	switch r.Kind() {
	case KindFanout:
		return r.Address
	case KindWalletShare:
		return r.Account.(*WalletShare).Fanout
	case KindTokenInflow:
		return r.Account.(*TokenInflow).Fanout
	case KindVoucher:
		return r.Account.(*Voucher).Fanout
	case KindTokenAccount:
		return r.Account.(*TokenAccount).Owner
	default:
		panic(fmt.Sprintf("ledger: unknown kind %d", uint8(r.Kind())))
	}
}

// As returns the record's account as T.
func As[T Account](r *Record) (T, bool) {
	var zero T
	if r == nil || r.Account == nil {
		return zero, false
	}
	a, ok := r.Account.(T)
	return a, ok
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() (*Record, error) {
	data, err := Encode(r.Account)
	if err != nil {
		return nil, err
	}
	acct, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &Record{Address: r.Address, Version: r.Version, Account: acct}, nil
}
