package claim

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/batch"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger/ledgertest"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger/memory"
	fanouttesting "github.com/malbeclabs/walletfanout/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func pair(lastClaimed, total, snapshot uint64) (*ledger.Voucher, *ledger.TokenInflow) {
	fanout := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	return &ledger.Voucher{Fanout: fanout, Mint: mint, LastClaimed: lastClaimed},
		&ledger.TokenInflow{Fanout: fanout, Mint: mint, TotalInflow: total, LastSnapshot: snapshot}
}

func TestClaim_NeedsClaim(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		lastClaimed uint64
		total       uint64
		snapshot    uint64
		balance     uint64
		want        bool
	}{
		{name: "watermark behind total", lastClaimed: 100, total: 150, want: true},
		{name: "fully claimed and accounted", lastClaimed: 150, total: 150, snapshot: 500, balance: 500, want: false},
		{name: "unaccounted balance increase", lastClaimed: 150, total: 150, snapshot: 500, balance: 600, want: true},
		{name: "balance below snapshot", lastClaimed: 150, total: 150, snapshot: 500, balance: 400, want: false},
		{name: "empty", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, in := pair(tt.lastClaimed, tt.total, tt.snapshot)
			got, err := NeedsClaim(v, in, tt.balance)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestClaim_NeedsClaim_Misuse(t *testing.T) {
	t.Parallel()

	t.Run("nil inputs", func(t *testing.T) {
		t.Parallel()
		v, in := pair(0, 0, 0)
		_, err := NeedsClaim(nil, in, 0)
		require.ErrorIs(t, err, ErrMismatch)
		_, err = NeedsClaim(v, nil, 0)
		require.ErrorIs(t, err, ErrMismatch)
	})

	t.Run("different mint", func(t *testing.T) {
		t.Parallel()
		v, in := pair(0, 10, 0)
		in.Mint = solana.NewWallet().PublicKey()
		_, err := NeedsClaim(v, in, 0)
		require.ErrorIs(t, err, ErrMismatch)
	})

	t.Run("different fanout", func(t *testing.T) {
		t.Parallel()
		v, in := pair(0, 10, 0)
		v.Fanout = solana.NewWallet().PublicKey()
		_, err := NeedsClaim(v, in, 0)
		require.ErrorIs(t, err, ErrMismatch)
	})

	t.Run("watermark ahead of total", func(t *testing.T) {
		t.Parallel()
		v, in := pair(200, 150, 0)
		_, err := NeedsClaim(v, in, 0)
		require.ErrorIs(t, err, ledger.ErrInconsistent)
	})
}

func TestClaim_AnyNeedsClaim(t *testing.T) {
	t.Parallel()

	fresh, freshInflow := pair(150, 150, 0)
	stale, staleInflow := pair(100, 150, 0)
	inflows := map[solana.PublicKey]*ledger.TokenInflow{
		freshInflow.Mint: freshInflow,
		staleInflow.Mint: staleInflow,
	}

	found, err := AnyNeedsClaim([]*ledger.Voucher{fresh}, inflows, nil)
	require.NoError(t, err)
	require.False(t, found)

	found, err = AnyNeedsClaim([]*ledger.Voucher{fresh, stale}, inflows, nil)
	require.NoError(t, err)
	require.True(t, found)

	// The stale voucher ends the scan before the orphan is looked at.
	orphan, _ := pair(0, 0, 0)
	found, err = AnyNeedsClaim([]*ledger.Voucher{stale, orphan}, inflows, nil)
	require.NoError(t, err)
	require.True(t, found)

	_, err = AnyNeedsClaim([]*ledger.Voucher{fresh, orphan}, inflows, nil)
	require.ErrorIs(t, err, ledger.ErrInconsistent)

	found, err = AnyNeedsClaim(nil, nil, nil)
	require.NoError(t, err)
	require.False(t, found)
}

func newTestDetector(t *testing.T, l ledger.Reader) *Detector {
	t.Helper()
	d, err := NewDetector(Config{Logger: fanouttesting.NewLogger(), Reader: l})
	require.NoError(t, err)
	return d
}

func TestClaim_NewDetector(t *testing.T) {
	t.Parallel()

	_, err := NewDetector(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = NewDetector(Config{Logger: fanouttesting.NewLogger()})
	require.ErrorContains(t, err, "reader is required")
}

func TestClaim_Detector_PlansAndPays(t *testing.T) {
	t.Parallel()
	l, err := memory.New(memory.Config{Logger: fanouttesting.NewLogger()})
	require.NoError(t, err)
	f := ledgertest.NewFixture(t, l, 1)
	share, wallet := f.AddShare(0, 1)
	mint := f.EnableMint()
	voucher := f.AddVoucher(share, mint, 0)
	d := newTestDetector(t, l)
	ctx := context.Background()

	needs, err := d.NeedsClaim(ctx, f.Fanout)
	require.NoError(t, err)
	require.False(t, needs)

	plan, err := d.PlanClaims(ctx, f.Fanout)
	require.NoError(t, err)
	require.True(t, plan.Empty())
	require.Equal(t, 1, plan.Skipped)

	f.Deposit(mint, 100)
	needs, err = d.NeedsClaim(ctx, f.Fanout)
	require.NoError(t, err)
	require.True(t, needs)

	plan, err = d.PlanClaims(ctx, f.Fanout)
	require.NoError(t, err)
	require.Len(t, plan.Claims, 1)
	require.Equal(t, voucher, plan.Claims[0].Target())
	require.Len(t, plan.TokenAccounts, 1, "receiver has no token account yet")
	require.Zero(t, plan.Skipped)

	exec, err := batch.NewExecutor(batch.Config{Logger: fanouttesting.NewLogger(), Submitter: l})
	require.NoError(t, err)
	_, err = exec.Execute(ctx, plan.Groups())
	require.NoError(t, err)

	require.Equal(t, uint64(100), f.Balance(wallet, mint))
	require.Equal(t, uint64(100), f.Voucher(voucher).LastClaimed)

	needs, err = d.NeedsClaim(ctx, f.Fanout)
	require.NoError(t, err)
	require.False(t, needs)

	// The receiver account exists now, so the next pass only claims.
	f.Deposit(mint, 40)
	plan, err = d.PlanClaims(ctx, f.Fanout)
	require.NoError(t, err)
	require.Len(t, plan.Claims, 1)
	require.Empty(t, plan.TokenAccounts)
}

func TestClaim_Detector_SeesUnsyncedDeposits(t *testing.T) {
	t.Parallel()
	l, err := memory.New(memory.Config{Logger: fanouttesting.NewLogger()})
	require.NoError(t, err)
	f := ledgertest.NewFixture(t, l, 1)
	share, _ := f.AddShare(0, 1)
	mint := f.EnableMint()
	f.AddVoucher(share, mint, 0)
	d := newTestDetector(t, l)
	ctx := context.Background()

	// The inflow has not folded the deposit in yet.
	f.Deposit(mint, 5)
	require.Zero(t, f.Inflow(mint).TotalInflow)

	state, err := d.Load(ctx, f.Fanout)
	require.NoError(t, err)
	require.Equal(t, uint64(5), state.Balances[mint])
	needs, err := d.NeedsClaim(ctx, f.Fanout)
	require.NoError(t, err)
	require.True(t, needs)
}

func TestClaim_Detector_FanoutNotFound(t *testing.T) {
	t.Parallel()
	l, err := memory.New(memory.Config{Logger: fanouttesting.NewLogger()})
	require.NoError(t, err)
	d := newTestDetector(t, l)

	_, err = d.NeedsClaim(context.Background(), solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = d.PlanClaims(context.Background(), solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, ledger.ErrNotFound)
}
