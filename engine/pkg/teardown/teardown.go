// Package teardown destroys a fanout and everything it owns, in dependency
// order: shares, then vouchers, then inflows, then the fanout itself.
//
// The stage to run is always derived from what the ledger holds, so a
// teardown that was interrupted, or that races another caller, resumes from
// wherever the fanout actually is.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/walletfanout/engine/pkg/batch"
	"github.com/malbeclabs/walletfanout/engine/pkg/claim"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/metrics"
	"github.com/malbeclabs/walletfanout/engine/pkg/pda"
	"github.com/malbeclabs/walletfanout/engine/pkg/reconcile"
	"github.com/malbeclabs/walletfanout/utils/pkg/retry"
)

type Stage int

const (
	// StageActive is reported while the claim-all pass that precedes share
	// closing runs.
	StageActive Stage = iota
	StageSharesClosing
	StageVouchersClosing
	StageInflowsClosing
	StageFanoutClosing
	StageDestroyed
)

func (s Stage) String() string {
	switch s {
	case StageActive:
		return "active"
	case StageSharesClosing:
		return "shares_closing"
	case StageVouchersClosing:
		return "vouchers_closing"
	case StageInflowsClosing:
		return "inflows_closing"
	case StageFanoutClosing:
		return "fanout_closing"
	case StageDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Derive returns the stage a teardown of snap has to run next. A nil snapshot
// is a fanout that no longer exists.
func Derive(snap *ledger.Snapshot) Stage {
	switch {
	case snap == nil:
		return StageDestroyed
	case len(snap.Shares) > 0:
		return StageSharesClosing
	case len(snap.Vouchers) > 0:
		return StageVouchersClosing
	case len(snap.Inflows) > 0:
		return StageInflowsClosing
	default:
		return StageFanoutClosing
	}
}

// Progress is one step of a teardown.
type Progress struct {
	Fanout    solana.PublicKey
	Stage     Stage
	Claimed   int
	Closed    int
	Remaining int

	// Done is set on the last event of a stream; Err is its outcome.
	Done bool
	Err  error
}

// Archiver stores the final state of a fanout before it is closed.
type Archiver interface {
	Archive(ctx context.Context, snap *ledger.Snapshot) error
}

type Config struct {
	Logger   *slog.Logger
	Ledger   ledger.Ledger
	Claims   *claim.Detector
	Executor *batch.Executor

	// Archiver is optional.
	Archiver Archiver

	// PDA defaults to pda.Default. It must match the deriver the fanout was
	// built with, or closes address records that do not exist.
	PDA *pda.Deriver

	// Retry bounds how often a stage is replanned after a conflict.
	Retry retry.Config

	Clock clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Claims == nil {
		return errors.New("claim detector is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PDA == nil {
		cfg.PDA = pda.Default
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
		cfg.Retry.BaseBackoff = 100 * time.Millisecond
		cfg.Retry.MaxBackoff = 2 * time.Second
	}
	if cfg.Retry.Retryable == nil {
		// A voucher that accrued between its claim and its close is claimed
		// again on the next pass.
		cfg.Retry.Retryable = retry.On(ledger.ErrConflict, ledger.ErrRewardsNotClaimed)
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	return nil
}

type Coordinator struct {
	log *slog.Logger
	cfg Config
	ops *ledger.Builder
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{log: cfg.Logger, cfg: cfg, ops: ledger.NewBuilder(cfg.PDA)}, nil
}

// Summary totals a finished teardown.
type Summary struct {
	Fanout  solana.PublicKey
	Claimed int
	Closed  map[Stage]int
}

// maxPasses bounds stage runs, so a fanout that keeps gaining records while
// being torn down fails instead of spinning.
const maxPasses = 16

// Run tears fanout down, calling report after every step. A fanout that does
// not exist is already destroyed.
func (c *Coordinator) Run(ctx context.Context, fanout solana.PublicKey, report func(Progress)) (*Summary, error) {
	if report == nil {
		report = func(Progress) {}
	}
	start := c.cfg.Clock.Now()
	sum := &Summary{Fanout: fanout, Closed: make(map[Stage]int)}

	for range maxPasses {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		snap, err := c.load(ctx, fanout)
		if err != nil {
			return sum, err
		}
		stage := Derive(snap)
		if stage == StageDestroyed {
			report(Progress{Fanout: fanout, Stage: StageDestroyed})
			metrics.TeardownDuration.Observe(c.cfg.Clock.Since(start).Seconds())
			c.log.Info("teardown: fanout destroyed", "fanout", fanout,
				"claimed", sum.Claimed, "duration", c.cfg.Clock.Since(start))
			return sum, nil
		}

		metrics.TeardownStageTotal.WithLabelValues(stage.String()).Inc()
		c.log.Info("teardown: running stage", "fanout", fanout, "stage", stage)

		retryCfg := c.cfg.Retry
		retryCfg.OnRetry = func(attempt int, err error) {
			metrics.ConflictRetriesTotal.WithLabelValues("teardown").Inc()
			c.log.Warn("teardown: replanning stage", "fanout", fanout, "stage", stage, "attempt", attempt, "error", err)
		}
		err = retry.Do(ctx, retryCfg, func() error {
			return c.runStage(ctx, fanout, stage, sum, report)
		})
		if err != nil {
			return sum, fmt.Errorf("failed to run %s: %w", stage, err)
		}
	}
	return sum, fmt.Errorf("%w: teardown of %s did not converge after %d stages", ledger.ErrConflict, fanout, maxPasses)
}

// Stream runs the teardown in the background and delivers its progress. The
// last event has Done set. The channel is closed after it.
func (c *Coordinator) Stream(ctx context.Context, fanout solana.PublicKey) <-chan Progress {
	ch := make(chan Progress, 16)
	send := func(p Progress) {
		select {
		case ch <- p:
		case <-ctx.Done():
		}
	}
	go func() {
		defer close(ch)
		_, err := c.Run(ctx, fanout, send)
		final := Progress{Fanout: fanout, Stage: StageDestroyed, Done: true, Err: err}
		if err != nil {
			// Report where the fanout was left.
			if snap, lerr := c.load(context.WithoutCancel(ctx), fanout); lerr == nil {
				final.Stage = Derive(snap)
			}
		}
		// Prefer delivering the final event while the buffer has room.
		select {
		case ch <- final:
		default:
			send(final)
		}
	}()
	return ch
}

func (c *Coordinator) load(ctx context.Context, fanout solana.PublicKey) (*ledger.Snapshot, error) {
	snap, err := ledger.LoadSnapshot(ctx, c.cfg.Ledger, fanout)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// runStage plans and executes one stage against freshly read state. If the
// fanout has moved to another stage since the caller derived it, it returns
// without doing anything and the caller re-derives.
func (c *Coordinator) runStage(ctx context.Context, fanout solana.PublicKey, stage Stage, sum *Summary, report func(Progress)) error {
	st, err := c.cfg.Claims.Load(ctx, fanout)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if Derive(st.Snapshot) != stage {
		return nil
	}

	switch stage {
	case StageSharesClosing:
		claimed, err := c.claimStale(ctx, st, StageActive, report)
		sum.Claimed += claimed
		if err != nil {
			return err
		}
		return c.closeAll(ctx, st.Snapshot, stage, st.Shares, sum, report)
	case StageVouchersClosing:
		claimed, err := c.claimStale(ctx, st, stage, report)
		sum.Claimed += claimed
		if err != nil {
			return err
		}
		return c.closeAll(ctx, st.Snapshot, stage, st.Vouchers, sum, report)
	case StageInflowsClosing:
		return c.closeAll(ctx, st.Snapshot, stage, st.Inflows, sum, report)
	case StageFanoutClosing:
		if c.cfg.Archiver != nil {
			if err := c.cfg.Archiver.Archive(ctx, st.Snapshot); err != nil {
				return fmt.Errorf("failed to archive fanout %s: %w", fanout, err)
			}
		}
		return c.closeAll(ctx, st.Snapshot, stage, []*ledger.Record{st.Fanout}, sum, report)
	default:
		panic(fmt.Sprintf("teardown: no stage runner for %s", stage))
	}
}

// claimStale pays every stale voucher so no recipient loses an owed payout
// when its claim right is destroyed.
func (c *Coordinator) claimStale(ctx context.Context, st *claim.State, stage Stage, report func(Progress)) (int, error) {
	plan, err := c.cfg.Claims.PlanFrom(ctx, st)
	if err != nil {
		return 0, err
	}
	if plan.Empty() {
		return 0, nil
	}
	res, err := c.cfg.Executor.Execute(ctx, plan.Groups())
	claimed := countClaims(committed(res, err))
	report(Progress{Fanout: st.Address, Stage: stage, Claimed: claimed})
	if err != nil {
		return claimed, err
	}
	c.log.Info("teardown: claimed stale vouchers", "fanout", st.Address, "claimed", claimed)
	return claimed, nil
}

func (c *Coordinator) closeAll(ctx context.Context, snap *ledger.Snapshot, stage Stage, recs []*ledger.Record, sum *Summary, report func(Progress)) error {
	ops := make([]ledger.Op, 0, len(recs))
	for _, rec := range recs {
		op, err := c.closeOp(snap.Address, rec)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	groups := []batch.Group{{Name: stage.String(), Ops: ops}}
	if err := reconcile.ValidateOrder(snap, groups); err != nil {
		return err
	}

	report(Progress{Fanout: snap.Address, Stage: stage, Remaining: len(ops)})
	res, err := c.cfg.Executor.Execute(ctx, groups)
	closed := len(committed(res, err))
	sum.Closed[stage] += closed
	report(Progress{Fanout: snap.Address, Stage: stage, Closed: closed, Remaining: len(ops) - closed})
	if err != nil {
		return err
	}
	c.log.Info("teardown: stage closed", "fanout", snap.Address, "stage", stage, "closed", closed)
	return nil
}

func (c *Coordinator) closeOp(fanout solana.PublicKey, rec *ledger.Record) (ledger.Op, error) {
	switch a := rec.Account.(type) {
	case *ledger.WalletShare:
		return c.ops.CloseWalletShare(fanout, a.Index)
	case *ledger.Voucher:
		return c.ops.CloseVoucher(fanout, a.Mint, rec.Address)
	case *ledger.TokenInflow:
		return c.ops.CloseTokenInflow(fanout, a.Mint)
	case *ledger.Fanout:
		return c.ops.CloseFanout(fanout), nil
	case *ledger.TokenAccount:
		return nil, fmt.Errorf("%w: token account %s is not closed by teardown", ledger.ErrInconsistent, rec.Address)
	default:
		panic(fmt.Sprintf("teardown: unknown account %T", a))
	}
}

func committed(res *batch.Result, err error) []ledger.Op {
	if res != nil {
		return res.Committed
	}
	var pfe *batch.PartialFailureError
	if errors.As(err, &pfe) {
		return pfe.Committed
	}
	return nil
}

func countClaims(ops []ledger.Op) int {
	n := 0
	for _, op := range ops {
		if _, ok := op.(ledger.Claim); ok {
			n++
		}
	}
	return n
}
