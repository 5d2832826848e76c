package teardown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/batch"
	"github.com/malbeclabs/walletfanout/engine/pkg/claim"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger/ledgertest"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger/memory"
	"github.com/malbeclabs/walletfanout/engine/pkg/reconcile"
	"github.com/malbeclabs/walletfanout/utils/pkg/retry"
	fanouttesting "github.com/malbeclabs/walletfanout/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type recordingArchiver struct {
	mu    sync.Mutex
	snaps []*ledger.Snapshot
}

func (a *recordingArchiver) Archive(ctx context.Context, snap *ledger.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snaps = append(a.snaps, snap)
	return nil
}

type env struct {
	ledger      *memory.Ledger
	fixture     *ledgertest.Fixture
	claims      *claim.Detector
	coordinator *Coordinator
	archiver    *recordingArchiver
	wallets     []solana.PublicKey
	mint        solana.PublicKey
}

// newEnv builds a reconciled fanout with shares of weight 1 and 3 and one
// enabled mint. intercept, if set, is installed on the memory ledger.
func newEnv(t *testing.T, intercept func(ctx context.Context, ops []ledger.Op) error) *env {
	t.Helper()
	log := fanouttesting.NewLogger()
	l, err := memory.New(memory.Config{Logger: log, Intercept: intercept})
	require.NoError(t, err)

	f := ledgertest.NewFixture(t, l, 4)
	_, w0 := f.AddShare(0, 1)
	_, w1 := f.AddShare(1, 3)
	mint := f.EnableMint()

	d, err := claim.NewDetector(claim.Config{Logger: log, Reader: l})
	require.NoError(t, err)
	r, err := reconcile.New(reconcile.Config{Logger: log, Reader: l, Claims: d})
	require.NoError(t, err)
	plan, err := r.PlanCreations(context.Background(), f.Fanout)
	require.NoError(t, err)
	exec, err := batch.NewExecutor(batch.Config{Logger: log, Submitter: l})
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), plan.Groups())
	require.NoError(t, err)
	require.Equal(t, 2, f.Count(ledger.KindVoucher))

	archiver := &recordingArchiver{}
	c, err := New(Config{
		Logger:   log,
		Ledger:   l,
		Claims:   d,
		Executor: exec,
		Archiver: archiver,
		Retry:    retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	return &env{
		ledger:      l,
		fixture:     f,
		claims:      d,
		coordinator: c,
		archiver:    archiver,
		wallets:     []solana.PublicKey{w0, w1},
		mint:        mint,
	}
}

func (e *env) run(t *testing.T) (*Summary, []Progress, error) {
	t.Helper()
	var events []Progress
	sum, err := e.coordinator.Run(context.Background(), e.fixture.Fanout, func(p Progress) {
		events = append(events, p)
	})
	return sum, events, err
}

func stagesOf(events []Progress) []Stage {
	var out []Stage
	for _, p := range events {
		if len(out) == 0 || out[len(out)-1] != p.Stage {
			out = append(out, p.Stage)
		}
	}
	return out
}

func TestTeardown_New(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(Config{Logger: fanouttesting.NewLogger()})
	require.ErrorContains(t, err, "ledger is required")
}

func TestTeardown_Derive(t *testing.T) {
	t.Parallel()
	rec := &ledger.Record{}
	require.Equal(t, StageDestroyed, Derive(nil))
	require.Equal(t, StageSharesClosing, Derive(&ledger.Snapshot{Shares: []*ledger.Record{rec}, Vouchers: []*ledger.Record{rec}}))
	require.Equal(t, StageVouchersClosing, Derive(&ledger.Snapshot{Vouchers: []*ledger.Record{rec}, Inflows: []*ledger.Record{rec}}))
	require.Equal(t, StageInflowsClosing, Derive(&ledger.Snapshot{Inflows: []*ledger.Record{rec}}))
	require.Equal(t, StageFanoutClosing, Derive(&ledger.Snapshot{}))

	require.Equal(t, "vouchers_closing", StageVouchersClosing.String())
	require.Equal(t, "stage(42)", Stage(42).String())
}

func TestTeardown_Run_ClaimsBeforeClosing(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	f := e.fixture
	f.Deposit(e.mint, 1000)

	sum, events, err := e.run(t)
	require.NoError(t, err)

	require.Equal(t, []Stage{
		StageActive,
		StageSharesClosing,
		StageVouchersClosing,
		StageInflowsClosing,
		StageFanoutClosing,
		StageDestroyed,
	}, stagesOf(events))
	require.Equal(t, 2, events[0].Claimed)

	require.Equal(t, 2, sum.Claimed)
	require.Equal(t, 2, sum.Closed[StageSharesClosing])
	require.Equal(t, 2, sum.Closed[StageVouchersClosing])
	require.Equal(t, 1, sum.Closed[StageInflowsClosing])
	require.Equal(t, 1, sum.Closed[StageFanoutClosing])

	require.False(t, f.Exists(f.Fanout))
	require.Equal(t, uint64(250), f.Balance(e.wallets[0], e.mint))
	require.Equal(t, uint64(750), f.Balance(e.wallets[1], e.mint))
	require.Zero(t, f.Balance(f.Fanout, e.mint))

	require.Len(t, e.archiver.snaps, 1)
	require.True(t, e.archiver.snaps[0].Empty())
	require.Equal(t, f.Name, e.archiver.snaps[0].FanoutAccount().Name)
}

func TestTeardown_Run_ResumesFromObservedState(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	f := e.fixture

	for _, index := range []uint32{0, 1} {
		op, err := f.Ops.CloseWalletShare(f.Fanout, index)
		require.NoError(t, err)
		f.Submit(op)
	}
	// Funds arriving after the shares are gone are still owed to the vouchers.
	f.Deposit(e.mint, 400)

	sum, events, err := e.run(t)
	require.NoError(t, err)
	require.Equal(t, StageVouchersClosing, events[0].Stage)
	require.NotContains(t, stagesOf(events), StageSharesClosing)
	require.Equal(t, 2, sum.Claimed)
	require.Zero(t, sum.Closed[StageSharesClosing])

	require.Equal(t, uint64(100), f.Balance(e.wallets[0], e.mint))
	require.Equal(t, uint64(300), f.Balance(e.wallets[1], e.mint))
	require.False(t, f.Exists(f.Fanout))
}

func TestTeardown_Run_SweepsRemainderToAuthority(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	f := e.fixture

	for _, index := range []uint32{0, 1} {
		op, err := f.Ops.CloseWalletShare(f.Fanout, index)
		require.NoError(t, err)
		f.Submit(op)
	}
	// 3 units split 1:3 pays 0 and 2 whole units and leaves 1 behind as dust.
	f.Deposit(e.mint, 3)

	_, err := e.coordinator.Run(context.Background(), f.Fanout, nil)
	require.NoError(t, err)
	require.Zero(t, f.Balance(e.wallets[0], e.mint))
	require.Equal(t, uint64(2), f.Balance(e.wallets[1], e.mint))
	require.Equal(t, uint64(1), f.Balance(f.Authority, e.mint))

	// A fanout that is already gone is destroyed.
	sum, events, err := e.run(t)
	require.NoError(t, err)
	require.Equal(t, []Stage{StageDestroyed}, stagesOf(events))
	require.Zero(t, sum.Claimed)
}

func TestTeardown_Run_RetriesConflicts(t *testing.T) {
	t.Parallel()
	var injected atomic.Int32
	e := newEnv(t, func(ctx context.Context, ops []ledger.Op) error {
		if _, ok := ops[0].(ledger.CloseVoucher); ok && injected.Add(1) == 1 {
			return fmt.Errorf("%w: injected", ledger.ErrConflict)
		}
		return nil
	})

	sum, _, err := e.run(t)
	require.NoError(t, err)
	require.Equal(t, int32(2), injected.Load())
	require.Equal(t, 2, sum.Closed[StageVouchersClosing])
	require.False(t, e.fixture.Exists(e.fixture.Fanout))
}

func TestTeardown_Run_SurfacesOtherErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("ledger unavailable")
	var calls atomic.Int32
	e := newEnv(t, func(ctx context.Context, ops []ledger.Op) error {
		if _, ok := ops[0].(ledger.CloseTokenInflow); ok {
			calls.Add(1)
			return boom
		}
		return nil
	})

	_, _, err := e.run(t)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(1), calls.Load(), "non-conflict errors are not retried")

	snap, err := ledger.LoadSnapshot(context.Background(), e.ledger, e.fixture.Fanout)
	require.NoError(t, err)
	require.Equal(t, StageInflowsClosing, Derive(snap))
	require.Empty(t, e.archiver.snaps)
}

func TestTeardown_Stream(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)

	var events []Progress
	for p := range e.coordinator.Stream(context.Background(), e.fixture.Fanout) {
		events = append(events, p)
	}
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.Done)
	require.NoError(t, last.Err)
	require.Equal(t, StageDestroyed, last.Stage)
	for _, p := range events[:len(events)-1] {
		require.False(t, p.Done)
	}
}

func TestTeardown_Stream_ReportsFailureStage(t *testing.T) {
	t.Parallel()
	boom := errors.New("ledger unavailable")
	e := newEnv(t, func(ctx context.Context, ops []ledger.Op) error {
		if _, ok := ops[0].(ledger.CloseVoucher); ok {
			return boom
		}
		return nil
	})

	var last Progress
	for p := range e.coordinator.Stream(context.Background(), e.fixture.Fanout) {
		last = p
	}
	require.True(t, last.Done)
	require.ErrorIs(t, last.Err, boom)
	require.Equal(t, StageVouchersClosing, last.Stage)
}

func TestTeardown_Run_CancelledContext(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.coordinator.Run(ctx, e.fixture.Fanout, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, e.fixture.Count(ledger.KindWalletShare))
}
