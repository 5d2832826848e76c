// Package memory is an in-process ledger. It serializes submission units
// behind a single lock, which makes every unit trivially atomic, and is used
// by tests and by the daemon's dev mode.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/pda"
)

type Config struct {
	Logger *slog.Logger

	// Intercept, if set, runs before each submission unit. A non-nil error
	// fails the unit without applying anything.
	Intercept func(ctx context.Context, ops []ledger.Op) error
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

type entry struct {
	version uint64
	kind    ledger.Kind
	fanout  solana.PublicKey
	data    []byte
}

func (e entry) record(addr solana.PublicKey) (*ledger.Record, error) {
	acct, err := ledger.Decode(e.data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", addr, err)
	}
	return &ledger.Record{Address: addr, Version: e.version, Account: acct}, nil
}

type Ledger struct {
	log *slog.Logger
	cfg Config

	mu      sync.RWMutex
	records map[solana.PublicKey]entry
	units   int
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		log:     cfg.Logger,
		cfg:     cfg,
		records: make(map[solana.PublicKey]entry),
	}, nil
}

func (l *Ledger) Get(ctx context.Context, addr solana.PublicKey) (*ledger.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.records[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, addr)
	}
	return e.record(addr)
}

func (l *Ledger) GetMany(ctx context.Context, addrs []solana.PublicKey) ([]*ledger.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*ledger.Record, len(addrs))
	for i, addr := range addrs {
		e, ok := l.records[addr]
		if !ok {
			continue
		}
		rec, err := e.record(addr)
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

func (l *Ledger) List(ctx context.Context, fanout solana.PublicKey, kind ledger.Kind) ([]*ledger.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return list(l.records, nil, fanout, kind)
}

func (l *Ledger) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	addr, err := pda.TokenAccount(owner, mint)
	if err != nil {
		return 0, err
	}
	rec, err := l.Get(ctx, addr)
	if errors.Is(err, ledger.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	acct, ok := ledger.As[*ledger.TokenAccount](rec)
	if !ok {
		return 0, fmt.Errorf("%w: %s is a %s", ledger.ErrInconsistent, addr, rec.Kind())
	}
	return acct.Amount, nil
}

func (l *Ledger) Submit(ctx context.Context, ops []ledger.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.cfg.Intercept != nil {
		if err := l.cfg.Intercept(ctx, ops); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &overlayTx{base: l.records, staged: make(map[solana.PublicKey]*entry)}
	for _, op := range ops {
		if err := ledger.Apply(ctx, tx, op); err != nil {
			return err
		}
	}
	for addr, e := range tx.staged {
		if e == nil {
			delete(l.records, addr)
			continue
		}
		l.records[addr] = *e
	}
	l.units++
	l.log.Debug("memory: committed unit", "ops", len(ops), "writes", len(tx.staged))
	return nil
}

// Units returns the number of submission units committed so far.
func (l *Ledger) Units() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.units
}

// overlayTx stages writes on top of the committed records. A nil staged entry
// is a delete.
type overlayTx struct {
	base   map[solana.PublicKey]entry
	staged map[solana.PublicKey]*entry
}

func (t *overlayTx) lookup(addr solana.PublicKey) (entry, bool) {
	if e, ok := t.staged[addr]; ok {
		if e == nil {
			return entry{}, false
		}
		return *e, true
	}
	e, ok := t.base[addr]
	return e, ok
}

func (t *overlayTx) Get(ctx context.Context, addr solana.PublicKey) (*ledger.Record, error) {
	e, ok := t.lookup(addr)
	if !ok {
		return nil, nil
	}
	return e.record(addr)
}

func (t *overlayTx) Put(ctx context.Context, rec *ledger.Record) error {
	var current uint64
	if e, ok := t.lookup(rec.Address); ok {
		current = e.version
	}
	if rec.Version != current {
		return fmt.Errorf("%w: %s is at version %d, write expected %d", ledger.ErrConflict, rec.Address, current, rec.Version)
	}
	data, err := ledger.Encode(rec.Account)
	if err != nil {
		return err
	}
	t.staged[rec.Address] = &entry{
		version: current + 1,
		kind:    rec.Kind(),
		fanout:  rec.FanoutKey(),
		data:    data,
	}
	rec.Version = current + 1
	return nil
}

func (t *overlayTx) Delete(ctx context.Context, rec *ledger.Record) error {
	e, ok := t.lookup(rec.Address)
	if !ok || e.version != rec.Version {
		return fmt.Errorf("%w: %s changed before delete", ledger.ErrConflict, rec.Address)
	}
	t.staged[rec.Address] = nil
	return nil
}

func (t *overlayTx) List(ctx context.Context, fanout solana.PublicKey, kind ledger.Kind) ([]*ledger.Record, error) {
	return list(t.base, t.staged, fanout, kind)
}

func list(base map[solana.PublicKey]entry, staged map[solana.PublicKey]*entry, fanout solana.PublicKey, kind ledger.Kind) ([]*ledger.Record, error) {
	var out []*ledger.Record
	add := func(addr solana.PublicKey, e entry) error {
		if e.kind != kind || !e.fanout.Equals(fanout) {
			return nil
		}
		rec, err := e.record(addr)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	}
	for addr, e := range base {
		if _, ok := staged[addr]; ok {
			continue
		}
		if err := add(addr, e); err != nil {
			return nil, err
		}
	}
	for addr, e := range staged {
		if e == nil {
			continue
		}
		if err := add(addr, *e); err != nil {
			return nil, err
		}
	}
	slices.SortFunc(out, func(a, b *ledger.Record) int {
		return bytes.Compare(a.Address[:], b.Address[:])
	})
	return out, nil
}
