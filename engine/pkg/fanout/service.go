// Package fanout is the entry point the presentation layer and the trigger
// listener call. It turns intents into planned op groups and drives them to
// the ledger, rerunning the planning pass whenever the ledger reports that
// the state it planned against has moved.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/walletfanout/engine/pkg/batch"
	"github.com/malbeclabs/walletfanout/engine/pkg/claim"
	"github.com/malbeclabs/walletfanout/engine/pkg/history"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/metrics"
	"github.com/malbeclabs/walletfanout/engine/pkg/pda"
	"github.com/malbeclabs/walletfanout/engine/pkg/reconcile"
	"github.com/malbeclabs/walletfanout/engine/pkg/teardown"
	"github.com/malbeclabs/walletfanout/utils/pkg/retry"
	"golang.org/x/time/rate"
)

// History receives an audit row for every claim run and teardown step.
type History interface {
	RecordClaimRun(ctx context.Context, run history.ClaimRun) error
	RecordTeardownEvent(ctx context.Context, ev history.TeardownEvent) error
}

type Config struct {
	Logger *slog.Logger
	Ledger ledger.Ledger

	// Chain optionally reports what the fanout holds on chain. It is only
	// compared against the ledger, never claimed from.
	Chain BalanceSource

	// PDA defaults to pda.Default.
	PDA *pda.Deriver

	MaxOpsPerUnit  int
	MaxConcurrency int
	Limiter        *rate.Limiter

	// Retry bounds how often a planning pass is rerun after a conflict.
	Retry retry.Config

	// Archiver and History are optional.
	Archiver teardown.Archiver
	History  History

	Clock clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.PDA == nil {
		cfg.PDA = pda.Default
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
		cfg.Retry.BaseBackoff = 50 * time.Millisecond
		cfg.Retry.MaxBackoff = 2 * time.Second
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = retry.Any(retry.On(ledger.ErrConflict, ledger.ErrInconsistent, ledger.ErrRewardsNotClaimed), retry.IsRetryable)
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	return nil
}

type Service struct {
	log        *slog.Logger
	cfg        Config
	ops        *ledger.Builder
	claims     *claim.Detector
	reconciler *reconcile.Reconciler
	exec       *batch.Executor
	teardown   *teardown.Coordinator
}

func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	claims, err := claim.NewDetector(claim.Config{
		Logger: cfg.Logger,
		Reader: cfg.Ledger,
		PDA:    cfg.PDA,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create claim detector: %w", err)
	}
	reconciler, err := reconcile.New(reconcile.Config{
		Logger: cfg.Logger,
		Reader: cfg.Ledger,
		Claims: claims,
		PDA:    cfg.PDA,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}
	s := &Service{
		log:        cfg.Logger,
		cfg:        cfg,
		ops:        ledger.NewBuilder(cfg.PDA),
		claims:     claims,
		reconciler: reconciler,
	}
	if s.exec, err = s.newExecutor(nil); err != nil {
		return nil, err
	}
	s.teardown, err = teardown.New(teardown.Config{
		Logger:   cfg.Logger,
		Ledger:   cfg.Ledger,
		Claims:   claims,
		Executor: s.exec,
		Archiver: cfg.Archiver,
		PDA:      cfg.PDA,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create teardown coordinator: %w", err)
	}
	return s, nil
}

func (s *Service) newExecutor(preCommit func(ctx context.Context, unit []ledger.Op) error) (*batch.Executor, error) {
	exec, err := batch.NewExecutor(batch.Config{
		Logger:         s.cfg.Logger,
		Submitter:      s.cfg.Ledger,
		MaxOpsPerUnit:  s.cfg.MaxOpsPerUnit,
		MaxConcurrency: s.cfg.MaxConcurrency,
		Limiter:        s.cfg.Limiter,
		PreCommit:      preCommit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch executor: %w", err)
	}
	return exec, nil
}

// withRetry reruns fn, a complete planning pass, while it fails with a
// retryable error.
func (s *Service) withRetry(ctx context.Context, operation string, fanout solana.PublicKey, fn func() error) error {
	cfg := s.cfg.Retry
	cfg.OnRetry = func(attempt int, err error) {
		metrics.ConflictRetriesTotal.WithLabelValues(operation).Inc()
		s.log.Warn("fanout: replanning after error", "operation", operation, "fanout", fanout, "attempt", attempt, "error", err)
	}
	return retry.Do(ctx, cfg, fn)
}

// Address returns the fanout address for name.
func (s *Service) Address(name string) (solana.PublicKey, error) {
	return s.cfg.PDA.Fanout(name)
}

// Snapshot reads the fanout and everything it owns.
func (s *Service) Snapshot(ctx context.Context, fanout solana.PublicKey) (*ledger.Snapshot, error) {
	return ledger.LoadSnapshot(ctx, s.cfg.Ledger, fanout)
}

// ReconcileResult reports a creation pass.
type ReconcileResult struct {
	Created              int `json:"created"`
	AlreadySatisfied     int `json:"already_satisfied"`
	TokenAccountsCreated int `json:"token_accounts_created"`
}

// Reconcile creates every missing voucher and receiver token account of
// fanout. A pass that loses a slot or record race is replanned from a fresh
// read, which sees the slots of vouchers that did not commit as free.
func (s *Service) Reconcile(ctx context.Context, fanout solana.PublicKey) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	first := true
	err := s.withRetry(ctx, "reconcile", fanout, func() error {
		plan, err := s.reconciler.PlanCreations(ctx, fanout)
		if err != nil {
			return err
		}
		// Later passes see this call's own creations as satisfied.
		if first {
			res.AlreadySatisfied = plan.Satisfied
			first = false
		}
		if plan.Empty() {
			return nil
		}

		exec, err := s.newExecutor(plan.PreCommit(s.cfg.Ledger))
		if err != nil {
			return err
		}
		out, err := exec.Execute(ctx, plan.Groups())
		if err != nil {
			var pf *batch.PartialFailureError
			if errors.As(err, &pf) {
				plan.Rollback(append(pf.Failed, pf.NotAttempted...))
				res.count(pf.Committed)
				s.log.Debug("fanout: partial reconcile", "fanout", fanout, "committed_slots", plan.Slots(), "error", err)
			}
			return err
		}
		res.count(out.Committed)
		return nil
	})
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ReconcileTotal.WithLabelValues("ok").Inc()
	metrics.VouchersCreatedTotal.Add(float64(res.Created))
	s.log.Info("fanout: reconciled", "fanout", fanout,
		"created", res.Created, "already_satisfied", res.AlreadySatisfied, "token_accounts_created", res.TokenAccountsCreated)
	return res, nil
}

func (r *ReconcileResult) count(ops []ledger.Op) {
	for _, op := range ops {
		switch op.(type) {
		case ledger.InitVoucher:
			r.Created++
		case ledger.CreateTokenAccount:
			r.TokenAccountsCreated++
		}
	}
}

// NeedsClaim reports whether any voucher of fanout is owed a payout.
func (s *Service) NeedsClaim(ctx context.Context, fanout solana.PublicKey) (bool, error) {
	return s.claims.NeedsClaim(ctx, fanout)
}

// ClaimResult reports a claim pass.
type ClaimResult struct {
	RunID   uuid.UUID `json:"run_id"`
	Claimed int       `json:"claimed"`
	Skipped int       `json:"skipped"`
}

// ClaimAll claims every stale voucher of fanout. Fresh vouchers are skipped
// and cost nothing, so a second call right after a successful one submits no
// ops at all.
func (s *Service) ClaimAll(ctx context.Context, fanout solana.PublicKey) (*ClaimResult, error) {
	res := &ClaimResult{RunID: uuid.New()}
	err := s.withRetry(ctx, "claim", fanout, func() error {
		plan, err := s.claims.PlanClaims(ctx, fanout)
		if err != nil {
			return err
		}
		res.Skipped = plan.Skipped
		if plan.Empty() {
			return nil
		}
		out, err := s.exec.Execute(ctx, plan.Groups())
		if err != nil {
			var pf *batch.PartialFailureError
			if errors.As(err, &pf) {
				res.Claimed += countClaims(pf.Committed)
			}
			return err
		}
		res.Claimed += countClaims(out.Committed)
		return nil
	})

	s.recordClaimRun(ctx, fanout, res, err)
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ClaimsTotal.WithLabelValues("claimed").Add(float64(res.Claimed))
	metrics.ClaimsTotal.WithLabelValues("skipped").Add(float64(res.Skipped))
	s.log.Info("fanout: claimed", "fanout", fanout, "run_id", res.RunID, "claimed", res.Claimed, "skipped", res.Skipped)
	return res, nil
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

func (s *Service) recordClaimRun(ctx context.Context, fanout solana.PublicKey, res *ClaimResult, runErr error) {
	if s.cfg.History == nil {
		return
	}
	run := history.ClaimRun{
		RunID:   res.RunID,
		Fanout:  fanout,
		At:      s.cfg.Clock.Now(),
		Claimed: res.Claimed,
		Skipped: res.Skipped,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := s.cfg.History.RecordClaimRun(ctx, run); err != nil {
		s.log.Warn("fanout: failed to record claim run", "fanout", fanout, "run_id", res.RunID, "error", err)
	}
}

// Teardown destroys fanout and streams its progress. The channel is closed
// after the event with Done set.
func (s *Service) Teardown(ctx context.Context, fanout solana.PublicKey) <-chan teardown.Progress {
	runID := uuid.New()
	in := s.teardown.Stream(ctx, fanout)
	if s.cfg.History == nil {
		return in
	}

	out := make(chan teardown.Progress, cap(in))
	go func() {
		defer close(out)
		seq := 0
		for p := range in {
			s.recordTeardownEvent(context.WithoutCancel(ctx), runID, seq, p)
			seq++
			select {
			case out <- p:
			case <-ctx.Done():
				// Drain so the coordinator can finish.
				for range in {
				}
				return
			}
		}
	}()
	return out
}

func (s *Service) recordTeardownEvent(ctx context.Context, runID uuid.UUID, seq int, p teardown.Progress) {
	ev := history.TeardownEvent{
		RunID:     runID,
		Fanout:    p.Fanout,
		At:        s.cfg.Clock.Now(),
		Seq:       seq,
		Stage:     p.Stage.String(),
		Claimed:   p.Claimed,
		Closed:    p.Closed,
		Remaining: p.Remaining,
		Done:      p.Done,
	}
	if p.Err != nil {
		ev.Error = p.Err.Error()
	}
	if err := s.cfg.History.RecordTeardownEvent(ctx, ev); err != nil {
		s.log.Warn("fanout: failed to record teardown event", "fanout", p.Fanout, "run_id", runID, "error", err)
	}
}
