// Package postgres stores ledger records in PostgreSQL. Each submission unit
// runs in one transaction; records touched by a unit are row-locked and
// written with a version check.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/pda"
)

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

type Ledger struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger, pool: cfg.Pool}, nil
}

// Ping checks the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (l *Ledger) Get(ctx context.Context, addr solana.PublicKey) (*ledger.Record, error) {
	rec, err := getRecord(ctx, l.pool, addr, false)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, addr)
	}
	return rec, nil
}

func (l *Ledger) GetMany(ctx context.Context, addrs []solana.PublicKey) ([]*ledger.Record, error) {
	keys := make([]string, len(addrs))
	for i, addr := range addrs {
		keys[i] = addr.String()
	}
	rows, err := l.pool.Query(ctx, `SELECT address, version, data FROM ledger_records WHERE address = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	found, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	byAddr := make(map[solana.PublicKey]*ledger.Record, len(found))
	for _, rec := range found {
		byAddr[rec.Address] = rec
	}
	out := make([]*ledger.Record, len(addrs))
	for i, addr := range addrs {
		out[i] = byAddr[addr]
	}
	return out, nil
}

func (l *Ledger) List(ctx context.Context, fanout solana.PublicKey, kind ledger.Kind) ([]*ledger.Record, error) {
	return listRecords(ctx, l.pool, fanout, kind)
}

func (l *Ledger) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	addr, err := pda.TokenAccount(owner, mint)
	if err != nil {
		return 0, err
	}
	rec, err := getRecord(ctx, l.pool, addr, false)
	if err != nil || rec == nil {
		return 0, err
	}
	acct, ok := ledger.As[*ledger.TokenAccount](rec)
	if !ok {
		return 0, fmt.Errorf("%w: %s is a %s", ledger.ErrInconsistent, addr, rec.Kind())
	}
	return acct.Amount, nil
}

func (l *Ledger) Submit(ctx context.Context, ops []ledger.Op) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	unit := &pgTx{tx: tx}
	for _, op := range ops {
		if err := ledger.Apply(ctx, unit, op); err != nil {
			return mapError(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	l.log.Debug("postgres: committed unit", "ops", len(ops))
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Get(ctx context.Context, addr solana.PublicKey) (*ledger.Record, error) {
	return getRecord(ctx, t.tx, addr, true)
}

func (t *pgTx) Put(ctx context.Context, rec *ledger.Record) error {
	data, err := ledger.Encode(rec.Account)
	if err != nil {
		return err
	}
	var tag pgconn.CommandTag
	if rec.Version == 0 {
		tag, err = t.tx.Exec(ctx, `
			INSERT INTO ledger_records (address, fanout, kind, version, data)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (address) DO NOTHING`,
			rec.Address.String(), rec.FanoutKey().String(), int16(rec.Kind()), data)
	} else {
		tag, err = t.tx.Exec(ctx, `
			UPDATE ledger_records
			SET fanout = $2, kind = $3, version = version + 1, data = $4, updated_at = now()
			WHERE address = $1 AND version = $5`,
			rec.Address.String(), rec.FanoutKey().String(), int16(rec.Kind()), data, int64(rec.Version))
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", rec.Address, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s changed since version %d", ledger.ErrConflict, rec.Address, rec.Version)
	}
	rec.Version++
	return nil
}

func (t *pgTx) Delete(ctx context.Context, rec *ledger.Record) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM ledger_records WHERE address = $1 AND version = $2`,
		rec.Address.String(), int64(rec.Version))
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", rec.Address, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s changed before delete", ledger.ErrConflict, rec.Address)
	}
	return nil
}

func (t *pgTx) List(ctx context.Context, fanout solana.PublicKey, kind ledger.Kind) ([]*ledger.Record, error) {
	return listRecords(ctx, t.tx, fanout, kind)
}

func getRecord(ctx context.Context, q querier, addr solana.PublicKey, lock bool) (*ledger.Record, error) {
	query := `SELECT version, data FROM ledger_records WHERE address = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		version int64
		data    []byte
	)
	err := q.QueryRow(ctx, query, addr.String()).Scan(&version, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", addr, err)
	}
	acct, err := ledger.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", addr, err)
	}
	return &ledger.Record{Address: addr, Version: uint64(version), Account: acct}, nil
}

func listRecords(ctx context.Context, q querier, fanout solana.PublicKey, kind ledger.Kind) ([]*ledger.Record, error) {
	rows, err := q.Query(ctx, `
		SELECT address, version, data FROM ledger_records
		WHERE fanout = $1 AND kind = $2`,
		fanout.String(), int16(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", kind, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	sortByAddress(recs)
	return recs, nil
}

func scanRecords(rows pgx.Rows) ([]*ledger.Record, error) {
	defer rows.Close()
	var out []*ledger.Record
	for rows.Next() {
		var (
			address string
			version int64
			data    []byte
		)
		if err := rows.Scan(&address, &version, &data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		addr, err := solana.PublicKeyFromBase58(address)
		if err != nil {
			return nil, fmt.Errorf("failed to parse address %q: %w", address, err)
		}
		acct, err := ledger.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", address, err)
		}
		out = append(out, &ledger.Record{Address: addr, Version: uint64(version), Account: acct})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

// mapError turns serialization failures, deadlocks and duplicate inserts into
// ErrConflict so callers replan.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
		}
	}
	return err
}

func sortByAddress(recs []*ledger.Record) {
	slices.SortFunc(recs, func(a, b *ledger.Record) int {
		return bytes.Compare(a.Address[:], b.Address[:])
	})
}
