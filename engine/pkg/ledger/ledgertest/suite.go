package ledgertest

import (
	"context"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/stretchr/testify/require"
)

// Run exercises the ledger contract and the shared transition rules against
// ledgers returned by newLedger. Each subtest gets its own ledger.
func Run(t *testing.T, newLedger func(t *testing.T) ledger.Ledger) {
	t.Run("get of absent record is not found", func(t *testing.T) {
		t.Parallel()
		l := newLedger(t)
		addr := solana.NewWallet().PublicKey()

		_, err := l.Get(context.Background(), addr)
		require.ErrorIs(t, err, ledger.ErrNotFound)

		f := NewFixture(t, l, 10)
		recs, err := l.GetMany(context.Background(), []solana.PublicKey{addr, f.Fanout})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Nil(t, recs[0])
		require.NotNil(t, recs[1])
		require.Equal(t, ledger.KindFanout, recs[1].Kind())
	})

	t.Run("init fanout twice is a no-op", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 10)
		op, err := f.Ops.InitFanout(f.Name, f.Authority, f.CronJob, "other", 99)
		require.NoError(t, err)
		f.Submit(op)

		rec, err := f.Ledger.Get(context.Background(), f.Fanout)
		require.NoError(t, err)
		require.Equal(t, uint64(1), rec.Version)
		require.Equal(t, uint32(10), f.FanoutAccount().TotalShares)
	})

	t.Run("share upsert enforces capacity and tracks next index", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 4)
		f.AddShare(5, 3)
		require.Equal(t, uint32(3), f.FanoutAccount().TotalSharesIssued)
		require.Equal(t, uint32(6), f.FanoutAccount().NextShareIndex)

		over, err := f.Ops.UpsertWalletShare(f.Fanout, 1, solana.NewWallet().PublicKey(), 2, f.Authority)
		require.NoError(t, err)
		err = f.TrySubmit(over)
		require.ErrorIs(t, err, ledger.ErrSharesExceeded)
		require.ErrorIs(t, err, ledger.ErrInvariantViolation)

		// Re-weighting an existing share replaces its contribution.
		wallet := solana.NewWallet().PublicKey()
		update, err := f.Ops.UpsertWalletShare(f.Fanout, 5, wallet, 4, f.Authority)
		require.NoError(t, err)
		f.Submit(update)
		require.Equal(t, uint32(4), f.FanoutAccount().TotalSharesIssued)
		require.Equal(t, uint32(6), f.FanoutAccount().NextShareIndex)

		closeOp, err := f.Ops.CloseWalletShare(f.Fanout, 5)
		require.NoError(t, err)
		f.Submit(closeOp)
		f.Submit(closeOp)
		require.Equal(t, uint32(0), f.FanoutAccount().TotalSharesIssued)
		require.Equal(t, 0, f.Count(ledger.KindWalletShare))
	})

	t.Run("submission unit is atomic", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 4)
		ok, err := f.Ops.UpsertWalletShare(f.Fanout, 0, solana.NewWallet().PublicKey(), 1, f.Authority)
		require.NoError(t, err)
		bad, err := f.Ops.UpsertWalletShare(f.Fanout, 1, solana.NewWallet().PublicKey(), 9, f.Authority)
		require.NoError(t, err)

		err = f.TrySubmit(ok, bad)
		require.ErrorIs(t, err, ledger.ErrSharesExceeded)
		var opErr *ledger.OpError
		require.ErrorAs(t, err, &opErr)
		require.Equal(t, bad.Target(), opErr.Op.Target())

		require.False(t, f.Exists(ok.WalletShare))
		require.Equal(t, uint32(0), f.FanoutAccount().TotalSharesIssued)
	})

	t.Run("list is scoped by fanout and kind", func(t *testing.T) {
		t.Parallel()
		l := newLedger(t)
		a := NewFixture(t, l, 4)
		b := NewFixture(t, l, 4)
		a.AddShare(0, 1)
		a.AddShare(1, 1)
		b.AddShare(0, 1)
		mint := a.EnableMint()

		require.Equal(t, 2, a.Count(ledger.KindWalletShare))
		require.Equal(t, 1, b.Count(ledger.KindWalletShare))
		require.Equal(t, 1, a.Count(ledger.KindTokenInflow))
		require.Equal(t, 0, b.Count(ledger.KindTokenInflow))
		// Enabling a mint opens the fanout's own token account.
		require.Equal(t, 1, a.Count(ledger.KindTokenAccount))
		require.Equal(t, uint64(0), a.Balance(a.Fanout, mint))

		recs, err := l.List(context.Background(), a.Fanout, ledger.KindWalletShare)
		require.NoError(t, err)
		for i := 1; i < len(recs); i++ {
			require.Negative(t, compareKeys(recs[i-1].Address, recs[i].Address))
		}
	})

	t.Run("voucher creation claims its slot", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 4)
		share0, _ := f.AddShare(0, 1)
		share1, _ := f.AddShare(1, 1)
		mint := f.EnableMint()

		v0 := f.AddVoucher(share0, mint, 0)
		require.Equal(t, uint32(1), f.FanoutAccount().NextSlot)
		require.Equal(t, uint32(1), f.Inflow(mint).NumVouchers)

		// Same voucher again is a no-op even with a different slot.
		f.AddVoucher(share0, mint, 3)
		require.Equal(t, uint32(1), f.FanoutAccount().NextSlot)
		require.Equal(t, uint32(0), f.Voucher(v0).Slot)

		taken, err := f.Ops.InitVoucher(f.Fanout, mint, share1, 0, f.Authority)
		require.NoError(t, err)
		require.ErrorIs(t, f.TrySubmit(taken), ledger.ErrConflict)
		require.False(t, f.Exists(taken.Voucher))
	})

	t.Run("concurrent units racing for one slot", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 8)
		mint := f.EnableMint()
		ops := make([]ledger.Op, 4)
		for i := range ops {
			share, _ := f.AddShare(uint32(i), 1)
			op, err := f.Ops.InitVoucher(f.Fanout, mint, share, 7, f.Authority)
			require.NoError(t, err)
			ops[i] = op
		}

		var wg sync.WaitGroup
		errs := make([]error, len(ops))
		for i, op := range ops {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = f.TrySubmit(op)
			}()
		}
		wg.Wait()

		committed := 0
		for _, err := range errs {
			if err == nil {
				committed++
				continue
			}
			require.ErrorIs(t, err, ledger.ErrConflict)
		}
		require.Equal(t, 1, committed)
		require.Equal(t, 1, f.Count(ledger.KindVoucher))
	})

	t.Run("claim splits inflow by weight", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 4)
		share1, wallet1 := f.AddShare(0, 1)
		share3, wallet3 := f.AddShare(1, 3)
		mint := f.EnableMint()
		f.AddTokenAccount(wallet1, mint)
		f.AddTokenAccount(wallet3, mint)
		v1 := f.AddVoucher(share1, mint, 0)
		v3 := f.AddVoucher(share3, mint, 1)

		f.Deposit(mint, 1000)
		f.Submit(f.ClaimOp(mint, v1))
		f.Submit(f.ClaimOp(mint, v3))

		require.Equal(t, uint64(250), f.Balance(wallet1, mint))
		require.Equal(t, uint64(750), f.Balance(wallet3, mint))
		require.Equal(t, uint64(0), f.Balance(f.Fanout, mint))
		require.Equal(t, uint64(1000), f.Voucher(v1).LastClaimed)
		require.Equal(t, uint64(1000), f.Voucher(v3).LastClaimed)
		require.Equal(t, uint64(1000), f.Inflow(mint).TotalInflow)
		require.Equal(t, uint64(0), f.Inflow(mint).LastSnapshot)

		f.Submit(f.ClaimOp(mint, v1), f.ClaimOp(mint, v3))
		require.Equal(t, uint64(250), f.Balance(wallet1, mint))
		require.Equal(t, uint64(750), f.Balance(wallet3, mint))
	})

	t.Run("claim carries dust", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 3)
		share, wallet := f.AddShare(0, 1)
		f.AddShare(1, 1)
		f.AddShare(2, 1)
		mint := f.EnableMint()
		f.AddTokenAccount(wallet, mint)
		v := f.AddVoucher(share, mint, 0)

		for range 4 {
			f.Deposit(mint, 100)
			f.Submit(f.ClaimOp(mint, v))
		}
		// 33.33 per round; the fourth round carries a whole unit of dust.
		require.Equal(t, uint64(133), f.Balance(wallet, mint))
		require.Equal(t, uint64(333333333332), f.Voucher(v).TotalDust)
		require.Equal(t, uint64(400), f.Voucher(v).LastClaimed)
	})

	t.Run("unissued shares are corrected for", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 4)
		share, wallet := f.AddShare(0, 2)
		mint := f.EnableMint()
		f.AddTokenAccount(wallet, mint)
		v := f.AddVoucher(share, mint, 0)

		f.Deposit(mint, 100)
		syncOp, err := f.Ops.SyncInflow(f.Fanout, mint)
		require.NoError(t, err)
		f.Submit(syncOp)
		require.Equal(t, uint64(200), f.Inflow(mint).TotalInflow)
		require.Equal(t, uint64(100), f.Inflow(mint).LastSnapshot)

		f.Submit(f.ClaimOp(mint, v))
		require.Equal(t, uint64(100), f.Balance(wallet, mint))
		require.Equal(t, uint64(0), f.Balance(f.Fanout, mint))
	})

	t.Run("claim refreshes weight and requires receiver account", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 4)
		share, wallet := f.AddShare(0, 1)
		f.AddShare(1, 3)
		mint := f.EnableMint()
		v := f.AddVoucher(share, mint, 0)

		f.Deposit(mint, 100)
		require.ErrorIs(t, f.TrySubmit(f.ClaimOp(mint, v)), ledger.ErrNotFound)

		f.AddTokenAccount(wallet, mint)
		reweight, err := f.Ops.UpsertWalletShare(f.Fanout, 0, wallet, 0, f.Authority)
		require.NoError(t, err)
		f.Submit(reweight)
		f.Submit(f.ClaimOp(mint, v))
		// Paid at the weight the voucher held (1 of 4, on an inflow of 133
		// after correcting for the now unissued share), then refreshed.
		require.Equal(t, uint64(33), f.Balance(wallet, mint))
		require.Equal(t, uint32(0), f.Voucher(v).Shares)
	})

	t.Run("claim short of funds writes nothing", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 4)
		share1, wallet1 := f.AddShare(0, 1)
		share3, wallet3 := f.AddShare(1, 3)
		mint := f.EnableMint()
		f.AddTokenAccount(wallet1, mint)
		f.AddTokenAccount(wallet3, mint)
		v1 := f.AddVoucher(share1, mint, 0)
		v3 := f.AddVoucher(share3, mint, 1)
		f.Deposit(mint, 1000)

		// Dropping a weight after the deposit scales the inflow up to 2000
		// while v3 still holds 3 of 4 shares, so it is owed 1500.
		reweight, err := f.Ops.UpsertWalletShare(f.Fanout, 1, wallet3, 1, f.Authority)
		require.NoError(t, err)
		f.Submit(reweight)

		err = f.TrySubmit(f.ClaimOp(mint, v3))
		require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		require.ErrorIs(t, err, ledger.ErrInvariantViolation)
		require.Equal(t, uint64(0), f.Voucher(v3).LastClaimed)
		require.Equal(t, uint64(0), f.Inflow(mint).TotalInflow)
		require.Equal(t, uint64(1000), f.Balance(f.Fanout, mint))
		require.Equal(t, uint64(0), f.Balance(wallet3, mint))

		// A failing claim takes the rest of its unit with it.
		err = f.TrySubmit(f.ClaimOp(mint, v1), f.ClaimOp(mint, v3))
		require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		require.Equal(t, uint64(0), f.Balance(wallet1, mint))

		f.Submit(f.ClaimOp(mint, v1))
		require.Equal(t, uint64(500), f.Balance(wallet1, mint))
		require.Equal(t, uint64(2000), f.Voucher(v1).LastClaimed)
		require.Equal(t, uint64(0), f.Voucher(v3).LastClaimed)
	})

	t.Run("claim of absent voucher is not found", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 4)
		mint := f.EnableMint()
		require.ErrorIs(t, f.TrySubmit(f.ClaimOp(mint, solana.NewWallet().PublicKey())), ledger.ErrNotFound)
	})

	t.Run("voucher close requires claimed rewards and frees its slot", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 2)
		share0, wallet0 := f.AddShare(0, 1)
		share1, _ := f.AddShare(1, 1)
		mint := f.EnableMint()
		f.AddTokenAccount(wallet0, mint)
		v0 := f.AddVoucher(share0, mint, 0)
		f.AddVoucher(share1, mint, 1)

		f.Deposit(mint, 10)
		err := f.TrySubmit(f.CloseVoucherOp(mint, v0))
		require.ErrorIs(t, err, ledger.ErrRewardsNotClaimed)
		require.ErrorIs(t, err, ledger.ErrInvariantViolation)

		f.Submit(f.ClaimOp(mint, v0), f.CloseVoucherOp(mint, v0))
		require.False(t, f.Exists(v0))
		require.Equal(t, uint32(1), f.Inflow(mint).NumVouchers)
		require.Equal(t, []uint32{0}, f.FanoutAccount().AvailableSlots)
		require.Equal(t, uint32(2), f.FanoutAccount().NextSlot)

		// Closing again is a no-op.
		f.Submit(f.CloseVoucherOp(mint, v0))

		// The freed slot is reusable.
		f.AddVoucher(share0, mint, 0)
		require.Empty(t, f.FanoutAccount().AvailableSlots)
	})

	t.Run("inflow close waits for vouchers and sweeps to authority", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 1)
		share, wallet := f.AddShare(0, 1)
		mint := f.EnableMint()
		f.AddTokenAccount(wallet, mint)
		v := f.AddVoucher(share, mint, 0)

		closeInflow, err := f.Ops.CloseTokenInflow(f.Fanout, mint)
		require.NoError(t, err)
		require.ErrorIs(t, f.TrySubmit(closeInflow), ledger.ErrInvariantViolation)

		f.Submit(f.CloseVoucherOp(mint, v))
		f.Deposit(mint, 50)
		f.Submit(closeInflow)

		require.False(t, f.Exists(closeInflow.TokenInflow))
		require.Equal(t, uint64(50), f.Balance(f.Authority, mint))
		require.Equal(t, 0, f.Count(ledger.KindTokenAccount))
		require.Equal(t, uint32(0), f.FanoutAccount().NumInflows)
		f.Submit(closeInflow)
	})

	t.Run("fanout close waits for everything", func(t *testing.T) {
		t.Parallel()
		f := NewFixture(t, newLedger(t), 1)
		f.AddShare(0, 1)
		closeFanout := f.Ops.CloseFanout(f.Fanout)
		require.ErrorIs(t, f.TrySubmit(closeFanout), ledger.ErrInvariantViolation)

		closeShare, err := f.Ops.CloseWalletShare(f.Fanout, 0)
		require.NoError(t, err)
		mint := f.EnableMint()
		require.ErrorIs(t, f.TrySubmit(closeShare, closeFanout), ledger.ErrInvariantViolation)
		require.Equal(t, 1, f.Count(ledger.KindWalletShare))

		closeInflow, err := f.Ops.CloseTokenInflow(f.Fanout, mint)
		require.NoError(t, err)
		f.Submit(closeShare, closeInflow, closeFanout)
		require.False(t, f.Exists(f.Fanout))
		f.Submit(closeFanout)
	})
}

func compareKeys(a, b solana.PublicKey) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
