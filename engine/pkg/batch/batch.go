// Package batch drives ordered groups of ledger ops to completion.
//
// Ops inside a group have no dependencies on each other and are submitted
// concurrently, split into submission units of bounded size. Groups are
// barriers: no unit of group N+1 is submitted before every unit of group N
// has committed. The first group with a failed unit stops the run.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxOpsPerUnit  = 8
	DefaultMaxConcurrency = 4
)

// Group is a set of ops that may commit in any order relative to each other.
type Group struct {
	Name string
	Ops  []ledger.Op
}

type Config struct {
	Logger    *slog.Logger
	Submitter ledger.Submitter

	// MaxOpsPerUnit bounds the ops in one submission unit.
	MaxOpsPerUnit int

	// MaxConcurrency bounds the units of one group in flight at once.
	MaxConcurrency int

	// Limiter, if set, paces unit submissions across all groups.
	Limiter *rate.Limiter

	// PreCommit, if set, runs immediately before each unit is submitted. An
	// error fails the unit without submitting it.
	PreCommit func(ctx context.Context, unit []ledger.Op) error
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Submitter == nil {
		return errors.New("submitter is required")
	}
	if cfg.MaxOpsPerUnit < 0 {
		return errors.New("max ops per unit must be positive")
	}
	if cfg.MaxOpsPerUnit == 0 {
		cfg.MaxOpsPerUnit = DefaultMaxOpsPerUnit
	}
	if cfg.MaxConcurrency < 0 {
		return errors.New("max concurrency must be positive")
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	return nil
}

type Executor struct {
	log *slog.Logger
	cfg Config
}

func NewExecutor(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// Result describes a run where every group committed.
type Result struct {
	Committed []ledger.Op
	Units     int
}

// PartialFailureError reports a run that stopped at Group. Committed lists
// every op that is durably applied, including those of earlier groups.
// Failed lists the ops of units that were submitted and did not commit.
// NotAttempted lists ops never submitted: the rest of the failing group and
// every later group.
type PartialFailureError struct {
	Group        int
	GroupName    string
	Committed    []ledger.Op
	Failed       []ledger.Op
	NotAttempted []ledger.Op
	Err          error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("group %d (%s) failed: %d committed, %d failed, %d not attempted: %v",
		e.Group, e.GroupName, len(e.Committed), len(e.Failed), len(e.NotAttempted), e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// Split cuts ops into consecutive chunks of at most size ops.
func Split(ops []ledger.Op, size int) [][]ledger.Op {
	if size <= 0 {
		size = DefaultMaxOpsPerUnit
	}
	var units [][]ledger.Op
	for start := 0; start < len(ops); start += size {
		end := min(start+size, len(ops))
		units = append(units, ops[start:end])
	}
	return units
}

type unitOutcome int

const (
	outcomeNotAttempted unitOutcome = iota
	outcomeCommitted
	outcomeFailed
)

// Execute submits groups in order. On failure it returns a
// *PartialFailureError; errors.Is on it sees the underlying unit errors.
func (e *Executor) Execute(ctx context.Context, groups []Group) (*Result, error) {
	res := &Result{}
	for gi, group := range groups {
		if err := ctx.Err(); err != nil {
			return nil, &PartialFailureError{
				Group:        gi,
				GroupName:    group.Name,
				Committed:    res.Committed,
				NotAttempted: remaining(groups[gi:]),
				Err:          err,
			}
		}
		if len(group.Ops) == 0 {
			continue
		}

		units := Split(group.Ops, e.cfg.MaxOpsPerUnit)
		outcomes, errs := e.runGroup(ctx, units)

		var committed, failed, notAttempted []ledger.Op
		for i, unit := range units {
			switch outcomes[i] {
			case outcomeCommitted:
				committed = append(committed, unit...)
				res.Units++
			case outcomeFailed:
				failed = append(failed, unit...)
			default:
				notAttempted = append(notAttempted, unit...)
			}
		}
		res.Committed = append(res.Committed, committed...)

		if len(errs) > 0 {
			e.log.Warn("batch: group failed",
				"group", gi, "name", group.Name,
				"committed", len(committed), "failed", len(failed), "not_attempted", len(notAttempted))
			return nil, &PartialFailureError{
				Group:        gi,
				GroupName:    group.Name,
				Committed:    res.Committed,
				Failed:       failed,
				NotAttempted: append(notAttempted, remaining(groups[gi+1:])...),
				Err:          errors.Join(errs...),
			}
		}
		e.log.Debug("batch: group committed", "group", gi, "name", group.Name, "ops", len(group.Ops), "units", len(units))
	}
	return res, nil
}

// runGroup submits units concurrently. Once a unit fails, units that have not
// started yet are skipped; units already in flight are left to finish so
// their outcome is known.
func (e *Executor) runGroup(ctx context.Context, units [][]ledger.Op) ([]unitOutcome, []error) {
	outcomes := make([]unitOutcome, len(units))
	var (
		mu     sync.Mutex
		errs   []error
		failed atomic.Bool
	)

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrency)
	for i, unit := range units {
		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			if err := e.submit(ctx, unit); err != nil {
				failed.Store(true)
				mu.Lock()
				outcomes[i] = outcomeFailed
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			outcomes[i] = outcomeCommitted
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i := range outcomes {
		if outcomes[i] == outcomeNotAttempted {
			metrics.BatchUnitsTotal.WithLabelValues("not_attempted").Inc()
		}
	}
	return outcomes, errs
}

func (e *Executor) submit(ctx context.Context, unit []ledger.Op) error {
	if e.cfg.Limiter != nil {
		if err := e.cfg.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("failed to wait for rate limiter: %w", err)
		}
	}
	if e.cfg.PreCommit != nil {
		if err := e.cfg.PreCommit(ctx, unit); err != nil {
			return err
		}
	}

	start := time.Now()
	err := e.cfg.Submitter.Submit(ctx, unit)
	metrics.RecordUnit(kindsOf(unit), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to submit unit [%s]: %w", describe(unit), err)
	}
	return nil
}

func remaining(groups []Group) []ledger.Op {
	var out []ledger.Op
	for _, g := range groups {
		out = append(out, g.Ops...)
	}
	return out
}

func kindsOf(unit []ledger.Op) []string {
	kinds := make([]string, len(unit))
	for i, op := range unit {
		kinds[i] = op.TargetKind().String()
	}
	return kinds
}

func describe(unit []ledger.Op) string {
	if len(unit) == 1 {
		return unit[0].String()
	}
	return fmt.Sprintf("%s +%d more", unit[0], len(unit)-1)
}
