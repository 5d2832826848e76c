// Package ledgertest holds a fixture builder for tests that need a populated
// ledger, and a conformance suite every ledger backend runs.
package ledgertest

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/stretchr/testify/require"
)

// Fixture builds fanout state on a ledger through regular ops.
type Fixture struct {
	t         testing.TB
	Ledger    ledger.Ledger
	Ops       *ledger.Builder
	Name      string
	Fanout    solana.PublicKey
	Authority solana.PublicKey
	CronJob   solana.PublicKey
}

// NewFixture initializes a fanout with a random name and the given capacity.
func NewFixture(t testing.TB, l ledger.Ledger, totalShares uint32) *Fixture {
	t.Helper()
	f := &Fixture{
		t:         t,
		Ledger:    l,
		Ops:       ledger.NewBuilder(nil),
		Name:      "f-" + uuid.NewString()[:8],
		Authority: solana.NewWallet().PublicKey(),
		CronJob:   solana.NewWallet().PublicKey(),
	}
	op, err := f.Ops.InitFanout(f.Name, f.Authority, f.CronJob, "0 * * * *", totalShares)
	require.NoError(t, err)
	f.Fanout = op.Fanout
	f.Submit(op)
	return f
}

// Submit commits ops as one unit and fails the test on error.
func (f *Fixture) Submit(ops ...ledger.Op) {
	f.t.Helper()
	require.NoError(f.t, f.Ledger.Submit(context.Background(), ops))
}

// TrySubmit commits ops as one unit and returns the error.
func (f *Fixture) TrySubmit(ops ...ledger.Op) error {
	return f.Ledger.Submit(context.Background(), ops)
}

// AddShare upserts a share for a fresh wallet and returns the share address
// and the wallet.
func (f *Fixture) AddShare(index, shares uint32) (solana.PublicKey, solana.PublicKey) {
	f.t.Helper()
	wallet := solana.NewWallet().PublicKey()
	op, err := f.Ops.UpsertWalletShare(f.Fanout, index, wallet, shares, f.Authority)
	require.NoError(f.t, err)
	f.Submit(op)
	return op.WalletShare, wallet
}

// EnableMint enables a fresh mint and returns it.
func (f *Fixture) EnableMint() solana.PublicKey {
	f.t.Helper()
	mint := solana.NewWallet().PublicKey()
	op, err := f.Ops.InitTokenInflow(f.Fanout, mint, f.Authority)
	require.NoError(f.t, err)
	f.Submit(op)
	return mint
}

// AddVoucher creates the voucher of share for mint on slot.
func (f *Fixture) AddVoucher(share, mint solana.PublicKey, slot uint32) solana.PublicKey {
	f.t.Helper()
	op, err := f.Ops.InitVoucher(f.Fanout, mint, share, slot, f.Authority)
	require.NoError(f.t, err)
	f.Submit(op)
	return op.Voucher
}

// AddTokenAccount creates owner's token account for mint.
func (f *Fixture) AddTokenAccount(owner, mint solana.PublicKey) {
	f.t.Helper()
	op, err := f.Ops.CreateTokenAccount(owner, mint)
	require.NoError(f.t, err)
	f.Submit(op)
}

// Deposit credits the fanout's token account for mint.
func (f *Fixture) Deposit(mint solana.PublicKey, amount uint64) {
	f.t.Helper()
	op, err := f.Ops.Deposit(f.Fanout, mint, amount)
	require.NoError(f.t, err)
	f.Submit(op)
}

// ClaimOp builds the claim op for voucher.
func (f *Fixture) ClaimOp(mint, voucher solana.PublicKey) ledger.Claim {
	f.t.Helper()
	op, err := f.Ops.Claim(f.Fanout, mint, voucher)
	require.NoError(f.t, err)
	return op
}

// CloseVoucherOp builds the close op for voucher.
func (f *Fixture) CloseVoucherOp(mint, voucher solana.PublicKey) ledger.CloseVoucher {
	f.t.Helper()
	op, err := f.Ops.CloseVoucher(f.Fanout, mint, voucher)
	require.NoError(f.t, err)
	return op
}

func (f *Fixture) Balance(owner, mint solana.PublicKey) uint64 {
	f.t.Helper()
	b, err := f.Ledger.TokenBalance(context.Background(), owner, mint)
	require.NoError(f.t, err)
	return b
}

func (f *Fixture) FanoutAccount() *ledger.Fanout {
	f.t.Helper()
	return mustGet[*ledger.Fanout](f, f.Fanout)
}

func (f *Fixture) Inflow(mint solana.PublicKey) *ledger.TokenInflow {
	f.t.Helper()
	addr, err := f.Ops.PDA.TokenInflow(f.Fanout, mint)
	require.NoError(f.t, err)
	return mustGet[*ledger.TokenInflow](f, addr)
}

func (f *Fixture) Voucher(addr solana.PublicKey) *ledger.Voucher {
	f.t.Helper()
	return mustGet[*ledger.Voucher](f, addr)
}

// Exists reports whether addr holds a record.
func (f *Fixture) Exists(addr solana.PublicKey) bool {
	f.t.Helper()
	recs, err := f.Ledger.GetMany(context.Background(), []solana.PublicKey{addr})
	require.NoError(f.t, err)
	return recs[0] != nil
}

// Count returns the number of records of kind under the fanout.
func (f *Fixture) Count(kind ledger.Kind) int {
	f.t.Helper()
	recs, err := f.Ledger.List(context.Background(), f.Fanout, kind)
	require.NoError(f.t, err)
	return len(recs)
}

func mustGet[T ledger.Account](f *Fixture, addr solana.PublicKey) T {
	f.t.Helper()
	rec, err := f.Ledger.Get(context.Background(), addr)
	require.NoError(f.t, err)
	a, ok := ledger.As[T](rec)
	require.True(f.t, ok, "%s is a %s", addr, rec.Kind())
	return a
}
