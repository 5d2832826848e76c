// Package history records claim runs and teardown progress as ClickHouse fact
// rows, so payouts and retirements can be audited after the ledger records
// involved are gone.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/walletfanout/engine/pkg/metrics"
)

const (
	claimRunsTable      = "fanout_claim_runs"
	teardownEventsTable = "fanout_teardown_events"
)

// ClaimRun is one ClaimAll pass over a fanout.
type ClaimRun struct {
	RunID   uuid.UUID
	Fanout  solana.PublicKey
	At      time.Time
	Claimed int
	Skipped int
	Error   string
}

// TeardownEvent is one progress step of a teardown run. Seq orders the events
// of a run.
type TeardownEvent struct {
	RunID     uuid.UUID
	Fanout    solana.PublicKey
	At        time.Time
	Seq       int
	Stage     string
	Claimed   int
	Closed    int
	Remaining int
	Done      bool
	Error     string
}

type Config struct {
	Logger *slog.Logger
	Client Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("clickhouse client is required")
	}
	return nil
}

// Writer appends history rows and reads them back per fanout.
type Writer struct {
	log    *slog.Logger
	client Client
}

func NewWriter(cfg Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Writer{log: cfg.Logger, client: cfg.Client}, nil
}

func (w *Writer) RecordClaimRun(ctx context.Context, run ClaimRun) error {
	err := w.insert(ctx, claimRunsTable,
		`INSERT INTO fanout_claim_runs (run_id, fanout, at, claimed, skipped, error)`,
		run.RunID, run.Fanout.String(), run.At.UTC(), uint64(run.Claimed), uint64(run.Skipped), run.Error)
	if err != nil {
		return err
	}
	w.log.Debug("history: recorded claim run", "run_id", run.RunID, "fanout", run.Fanout, "claimed", run.Claimed)
	return nil
}

func (w *Writer) RecordTeardownEvent(ctx context.Context, ev TeardownEvent) error {
	return w.insert(ctx, teardownEventsTable,
		`INSERT INTO fanout_teardown_events (run_id, fanout, at, seq, stage, claimed, closed, remaining, done, error)`,
		ev.RunID, ev.Fanout.String(), ev.At.UTC(), uint32(ev.Seq), ev.Stage,
		uint64(ev.Claimed), uint64(ev.Closed), uint64(ev.Remaining), ev.Done, ev.Error)
}

func (w *Writer) insert(ctx context.Context, table, query string, row ...any) error {
	err := func() error {
		conn, err := w.client.Conn(ctx)
		if err != nil {
			return fmt.Errorf("failed to get clickhouse connection: %w", err)
		}
		defer conn.Close()

		batch, err := conn.PrepareBatch(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row: %w", err)
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		return nil
	}()
	status := "ok"
	if err != nil {
		status = "error"
		err = fmt.Errorf("failed to write %s: %w", table, err)
	}
	metrics.HistoryWritesTotal.WithLabelValues(table, status).Inc()
	return err
}

// ClaimRuns returns the most recent claim runs of fanout, newest first.
func (w *Writer) ClaimRuns(ctx context.Context, fanout solana.PublicKey, limit int) ([]ClaimRun, error) {
	if limit <= 0 {
		limit = 100
	}
	conn, err := w.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT run_id, at, claimed, skipped, error
		FROM fanout_claim_runs
		WHERE fanout = ?
		ORDER BY at DESC, run_id
		LIMIT ?`, fanout.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query claim runs: %w", err)
	}
	defer rows.Close()

	var out []ClaimRun
	for rows.Next() {
		var (
			run              ClaimRun
			claimed, skipped uint64
		)
		if err := rows.Scan(&run.RunID, &run.At, &claimed, &skipped, &run.Error); err != nil {
			return nil, fmt.Errorf("failed to scan claim run: %w", err)
		}
		run.Fanout = fanout
		run.Claimed = int(claimed)
		run.Skipped = int(skipped)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claim runs: %w", err)
	}
	return out, nil
}

// TeardownEvents returns the events of one teardown run in order.
func (w *Writer) TeardownEvents(ctx context.Context, runID uuid.UUID) ([]TeardownEvent, error) {
	conn, err := w.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT fanout, at, seq, stage, claimed, closed, remaining, done, error
		FROM fanout_teardown_events
		WHERE run_id = ?
		ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query teardown events: %w", err)
	}
	defer rows.Close()

	var out []TeardownEvent
	for rows.Next() {
		var (
			ev                         TeardownEvent
			fanout                     string
			seq                        uint32
			claimed, closed, remaining uint64
		)
		if err := rows.Scan(&fanout, &ev.At, &seq, &ev.Stage, &claimed, &closed, &remaining, &ev.Done, &ev.Error); err != nil {
			return nil, fmt.Errorf("failed to scan teardown event: %w", err)
		}
		if ev.Fanout, err = solana.PublicKeyFromBase58(fanout); err != nil {
			return nil, fmt.Errorf("failed to parse fanout %q: %w", fanout, err)
		}
		ev.RunID = runID
		ev.Seq = int(seq)
		ev.Claimed = int(claimed)
		ev.Closed = int(closed)
		ev.Remaining = int(remaining)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read teardown events: %w", err)
	}
	return out, nil
}
