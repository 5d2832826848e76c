package reconcile

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/batch"
	"github.com/malbeclabs/walletfanout/engine/pkg/claim"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger/ledgertest"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger/memory"
	"github.com/malbeclabs/walletfanout/engine/pkg/pda"
	fanouttesting "github.com/malbeclabs/walletfanout/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *memory.Ledger {
	t.Helper()
	l, err := memory.New(memory.Config{Logger: fanouttesting.NewLogger()})
	require.NoError(t, err)
	return l
}

func newTestReconciler(t *testing.T, r ledger.Reader) *Reconciler {
	t.Helper()
	log := fanouttesting.NewLogger()
	d, err := claim.NewDetector(claim.Config{Logger: log, Reader: r})
	require.NoError(t, err)
	rec, err := New(Config{Logger: log, Reader: r, Claims: d})
	require.NoError(t, err)
	return rec
}

func execute(t *testing.T, l ledger.Submitter, groups []batch.Group, preCommit func(context.Context, []ledger.Op) error) error {
	t.Helper()
	e, err := batch.NewExecutor(batch.Config{
		Logger:    fanouttesting.NewLogger(),
		Submitter: l,
		PreCommit: preCommit,
	})
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), groups)
	return err
}

func reconcile(t *testing.T, l *memory.Ledger, r *Reconciler, fanout solana.PublicKey) *Plan {
	t.Helper()
	plan, err := r.PlanCreations(context.Background(), fanout)
	require.NoError(t, err)
	require.NoError(t, execute(t, l, plan.Groups(), plan.PreCommit(l)))
	return plan
}

func TestReconcile_New(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(Config{Logger: fanouttesting.NewLogger()})
	require.ErrorContains(t, err, "reader is required")
	_, err = New(Config{Logger: fanouttesting.NewLogger(), Reader: l})
	require.ErrorContains(t, err, "claim detector is required")
}

func TestReconcile_PlanCreations_Idempotent(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	f := ledgertest.NewFixture(t, l, 4)
	f.AddShare(0, 1)
	f.AddShare(1, 3)
	f.EnableMint()
	r := newTestReconciler(t, l)

	first := reconcile(t, l, r, f.Fanout)
	require.Len(t, first.Vouchers, 2)
	require.Len(t, first.TokenAccounts, 2)
	require.Zero(t, first.Satisfied)
	require.Equal(t, []uint32{0, 1}, first.Slots())

	second, err := r.PlanCreations(context.Background(), f.Fanout)
	require.NoError(t, err)
	require.True(t, second.Empty())
	require.Equal(t, 2, second.Satisfied)
	require.Empty(t, second.Slots())
}

func TestReconcile_PlanCreations_Converges(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	f := ledgertest.NewFixture(t, l, 10)
	shares := make([]solana.PublicKey, 3)
	wallets := make([]solana.PublicKey, 3)
	for i := range shares {
		shares[i], wallets[i] = f.AddShare(uint32(i), 2)
	}
	mints := []solana.PublicKey{f.EnableMint(), f.EnableMint()}
	r := newTestReconciler(t, l)

	plan := reconcile(t, l, r, f.Fanout)
	require.Len(t, plan.Vouchers, 6)

	require.Equal(t, 6, f.Count(ledger.KindVoucher))
	used := make(map[uint32]bool)
	for _, share := range shares {
		for _, mint := range mints {
			addr, err := pda.Default.Voucher(f.Fanout, mint, share)
			require.NoError(t, err)
			v := f.Voucher(addr)
			require.Equal(t, share, v.WalletShare)
			require.Equal(t, mint, v.Mint)
			require.False(t, used[v.Slot], "slot %d assigned twice", v.Slot)
			used[v.Slot] = true
		}
	}
	for _, wallet := range wallets {
		for _, mint := range mints {
			ata, err := pda.TokenAccount(wallet, mint)
			require.NoError(t, err)
			require.True(t, f.Exists(ata))
		}
	}
	for _, mint := range mints {
		require.Equal(t, uint32(3), f.Inflow(mint).NumVouchers)
	}
}

func TestReconcile_PlanCreations_NoInflowsOrShares(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	f := ledgertest.NewFixture(t, l, 10)
	r := newTestReconciler(t, l)

	plan, err := r.PlanCreations(context.Background(), f.Fanout)
	require.NoError(t, err)
	require.True(t, plan.Empty())

	f.AddShare(0, 1)
	plan, err = r.PlanCreations(context.Background(), f.Fanout)
	require.NoError(t, err)
	require.True(t, plan.Empty(), "a share without enabled mints needs nothing")
}

func TestReconcile_PlanCreations_FanoutNotFound(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	r := newTestReconciler(t, l)

	_, err := r.PlanCreations(context.Background(), solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

// staleListing serves a share listing captured earlier.
type staleListing struct {
	ledger.Ledger
	shares []*ledger.Record
}

func (s *staleListing) List(ctx context.Context, fanout solana.PublicKey, kind ledger.Kind) ([]*ledger.Record, error) {
	if kind == ledger.KindWalletShare {
		return s.shares, nil
	}
	return s.Ledger.List(ctx, fanout, kind)
}

func TestReconcile_PlanCreations_StaleShareListing(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	f := ledgertest.NewFixture(t, l, 10)
	f.AddShare(0, 1)
	f.AddShare(1, 1)
	f.EnableMint()

	listed, err := l.List(context.Background(), f.Fanout, ledger.KindWalletShare)
	require.NoError(t, err)
	closeOp, err := f.Ops.CloseWalletShare(f.Fanout, 1)
	require.NoError(t, err)
	f.Submit(closeOp)

	r := newTestReconciler(t, &staleListing{Ledger: l, shares: listed})
	_, err = r.PlanCreations(context.Background(), f.Fanout)
	require.ErrorIs(t, err, ledger.ErrInconsistent)
	require.Zero(t, f.Count(ledger.KindVoucher), "nothing applied")
}

func TestReconcile_SlotTakenAfterPlanning(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	f := ledgertest.NewFixture(t, l, 10)
	shareA, _ := f.AddShare(0, 1)
	mint := f.EnableMint()
	r := newTestReconciler(t, l)

	plan, err := r.PlanCreations(context.Background(), f.Fanout)
	require.NoError(t, err)
	require.Len(t, plan.Vouchers, 1)
	require.Equal(t, uint32(0), plan.Vouchers[0].Slot)

	// A concurrent pass commits a voucher on the same slot first.
	shareB, _ := f.AddShare(1, 1)
	f.AddVoucher(shareB, mint, 0)

	err = execute(t, l, plan.Groups(), plan.PreCommit(l))
	require.ErrorIs(t, err, ledger.ErrConflict)
	var pfe *batch.PartialFailureError
	require.ErrorAs(t, err, &pfe)
	plan.Rollback(append(pfe.Failed, pfe.NotAttempted...))
	require.Empty(t, plan.Slots())

	voucherA, err := pda.Default.Voucher(f.Fanout, mint, shareA)
	require.NoError(t, err)
	require.False(t, f.Exists(voucherA))

	replan := reconcile(t, l, r, f.Fanout)
	require.Len(t, replan.Vouchers, 1)
	require.Equal(t, uint32(1), replan.Vouchers[0].Slot)
	require.Equal(t, uint32(1), f.Voucher(voucherA).Slot)
}

func TestReconcile_RollbackKeepsCommittedSlots(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	f := ledgertest.NewFixture(t, l, 10)
	f.AddShare(0, 1)
	f.AddShare(1, 1)
	mint := f.EnableMint()
	r := newTestReconciler(t, l)

	plan, err := r.PlanCreations(context.Background(), f.Fanout)
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 1}, plan.Slots())

	// Slot 1 goes to someone else before its unit is submitted.
	shareC, _ := f.AddShare(2, 1)
	f.AddVoucher(shareC, mint, 1)

	e, err := batch.NewExecutor(batch.Config{
		Logger:         fanouttesting.NewLogger(),
		Submitter:      l,
		MaxOpsPerUnit:  1,
		MaxConcurrency: 1,
		PreCommit:      plan.PreCommit(l),
	})
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), plan.Groups())
	var pfe *batch.PartialFailureError
	require.ErrorAs(t, err, &pfe)
	require.Len(t, pfe.Failed, 1)
	require.Equal(t, uint32(1), pfe.Failed[0].(ledger.InitVoucher).Slot)

	plan.Rollback(append(pfe.Failed, pfe.NotAttempted...))
	require.Equal(t, []uint32{0}, plan.Slots())
	require.Equal(t, 2, f.Count(ledger.KindVoucher))
}

func TestReconcile_SlotRecycling(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	f := ledgertest.NewFixture(t, l, 10)
	f.AddShare(0, 1)
	f.AddShare(1, 1)
	f.EnableMint()
	r := newTestReconciler(t, l)
	reconcile(t, l, r, f.Fanout)

	groups, err := r.PlanShareRemoval(context.Background(), f.Fanout, 0)
	require.NoError(t, err)
	require.NoError(t, execute(t, l, groups, nil))
	require.Equal(t, []uint32{0}, f.FanoutAccount().AvailableSlots)
	require.Equal(t, uint32(2), f.FanoutAccount().NextSlot)

	f.AddShare(2, 1)
	plan := reconcile(t, l, r, f.Fanout)
	require.Len(t, plan.Vouchers, 1)
	require.Equal(t, uint32(0), plan.Vouchers[0].Slot, "freed slot is reused before the counter grows")
	require.Empty(t, f.FanoutAccount().AvailableSlots)
	require.Equal(t, uint32(2), f.FanoutAccount().NextSlot)
}

func TestReconcile_PlanShareRemoval(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	f := ledgertest.NewFixture(t, l, 4)
	share, wallet := f.AddShare(0, 1)
	f.AddShare(1, 3)
	mint := f.EnableMint()
	r := newTestReconciler(t, l)
	reconcile(t, l, r, f.Fanout)
	f.Deposit(mint, 1000)

	groups, err := r.PlanShareRemoval(context.Background(), f.Fanout, 0)
	require.NoError(t, err)
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	require.Equal(t, []string{"receiver_token_accounts", "claims", "close_vouchers", "close_share"}, names)
	require.Len(t, groups[1].Ops, 1, "only the removed share's voucher is claimed")

	require.NoError(t, execute(t, l, groups, nil))
	require.False(t, f.Exists(share))
	require.Equal(t, uint64(250), f.Balance(wallet, mint))
	require.Equal(t, 1, f.Count(ledger.KindVoucher))
	require.Equal(t, uint32(3), f.FanoutAccount().TotalSharesIssued)

	_, err = r.PlanShareRemoval(context.Background(), f.Fanout, 0)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestReconcile_PlanMintDisable(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	f := ledgertest.NewFixture(t, l, 4)
	_, walletA := f.AddShare(0, 1)
	_, walletB := f.AddShare(1, 3)
	mint := f.EnableMint()
	keep := f.EnableMint()
	r := newTestReconciler(t, l)
	reconcile(t, l, r, f.Fanout)
	f.Deposit(mint, 1000)

	groups, err := r.PlanMintDisable(context.Background(), f.Fanout, mint)
	require.NoError(t, err)
	require.Equal(t, "close_inflow", groups[len(groups)-1].Name)
	require.NoError(t, execute(t, l, groups, nil))

	require.Equal(t, uint64(250), f.Balance(walletA, mint))
	require.Equal(t, uint64(750), f.Balance(walletB, mint))
	require.Equal(t, 2, f.Count(ledger.KindVoucher), "vouchers of the other mint stay")
	require.Equal(t, 1, f.Count(ledger.KindTokenInflow))
	require.Equal(t, uint32(1), f.FanoutAccount().NumInflows)
	require.NotNil(t, f.Inflow(keep))

	_, err = r.PlanMintDisable(context.Background(), f.Fanout, mint)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestReconcile_ValidateClose(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	f := ledgertest.NewFixture(t, l, 4)
	share, _ := f.AddShare(0, 1)
	mint := f.EnableMint()
	voucher := f.AddVoucher(share, mint, 0)
	ctx := context.Background()

	snap, err := ledger.LoadSnapshot(ctx, l, f.Fanout)
	require.NoError(t, err)

	closeInflow, err := f.Ops.CloseTokenInflow(f.Fanout, mint)
	require.NoError(t, err)
	closeVoucher := f.CloseVoucherOp(mint, voucher)
	closeShare, err := f.Ops.CloseWalletShare(f.Fanout, 0)
	require.NoError(t, err)
	closeFanout := f.Ops.CloseFanout(f.Fanout)

	require.ErrorIs(t, ValidateClose(snap, closeInflow), ledger.ErrInvariantViolation)
	require.ErrorIs(t, ValidateClose(snap, closeFanout), ledger.ErrInvariantViolation)
	require.NoError(t, ValidateClose(snap, closeVoucher))
	require.NoError(t, ValidateClose(snap, closeShare))

	// Closes in the same group do not count as done for each other.
	err = ValidateOrder(snap, []batch.Group{{Ops: []ledger.Op{closeVoucher, closeInflow}}})
	require.ErrorIs(t, err, ledger.ErrInvariantViolation)

	err = ValidateOrder(snap, []batch.Group{
		{Ops: []ledger.Op{closeShare}},
		{Ops: []ledger.Op{closeVoucher}},
		{Ops: []ledger.Op{closeInflow}},
		{Ops: []ledger.Op{closeFanout}},
	})
	require.NoError(t, err)

	// The ledger enforces the same rule at commit time.
	require.ErrorIs(t, f.TrySubmit(closeInflow), ledger.ErrInvariantViolation)
	f.Submit(closeVoucher)
	f.Submit(closeInflow)
	require.Zero(t, f.Count(ledger.KindTokenInflow))
}
