// Package trigger reacts to scheduled-execution notifications. Notifications
// for the same fanout are debounced, then the fanout is checked for stale
// vouchers and, if configured, claimed.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/walletfanout/engine/pkg/fanout"
	"github.com/malbeclabs/walletfanout/engine/pkg/metrics"
)

const (
	DefaultDebounce  = 5 * time.Second
	DefaultQueueSize = 256
)

// ErrQueueFull is returned by Notify when the listener cannot accept more
// due fanouts.
var ErrQueueFull = errors.New("trigger queue full")

// Notification is one scheduled-execution signal for a fanout.
type Notification struct {
	Fanout solana.PublicKey `json:"fanout"`
	At     time.Time        `json:"at"`
}

// Claimer is the part of the fanout service the listener drives.
type Claimer interface {
	NeedsClaim(ctx context.Context, fanout solana.PublicKey) (bool, error)
	ClaimAll(ctx context.Context, fanout solana.PublicKey) (*fanout.ClaimResult, error)
}

type Config struct {
	Logger  *slog.Logger
	Claimer Claimer
	Clock   clockwork.Clock

	// Debounce is how long a fanout has to go without new notifications
	// before it is checked.
	Debounce time.Duration

	// AutoClaim claims stale fanouts instead of only reporting them.
	AutoClaim bool

	QueueSize int

	// OnError, if set, is called for every failed check.
	OnError func(fanout solana.PublicKey, err error)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Claimer == nil {
		return errors.New("claimer is required")
	}
	if cfg.Debounce < 0 {
		return errors.New("debounce must not be negative")
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Result is the outcome of checking one fanout.
type Result string

const (
	ResultFresh   Result = "fresh"
	ResultStale   Result = "stale"
	ResultClaimed Result = "claimed"
	ResultError   Result = "error"
)

type Listener struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	pending map[solana.PublicKey]clockwork.Timer
	due     chan solana.PublicKey
}

func NewListener(cfg Config) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Listener{
		log:     cfg.Logger,
		cfg:     cfg,
		pending: make(map[solana.PublicKey]clockwork.Timer),
		due:     make(chan solana.PublicKey, cfg.QueueSize),
	}, nil
}

// Notify schedules a check of n.Fanout once the debounce window passes
// without another notification for it.
func (l *Listener) Notify(n Notification) error {
	if n.Fanout.IsZero() {
		return errors.New("notification has no fanout")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.pending[n.Fanout]; ok {
		t.Reset(l.cfg.Debounce)
		return nil
	}
	if len(l.pending) >= l.cfg.QueueSize {
		metrics.TriggerRunsTotal.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
	fanoutKey := n.Fanout
	l.pending[fanoutKey] = l.cfg.Clock.AfterFunc(l.cfg.Debounce, func() {
		l.mu.Lock()
		delete(l.pending, fanoutKey)
		l.mu.Unlock()
		select {
		case l.due <- fanoutKey:
		default:
			metrics.TriggerRunsTotal.WithLabelValues("dropped").Inc()
			l.log.Warn("trigger: queue full, dropping fanout", "fanout", fanoutKey)
		}
	})
	l.log.Debug("trigger: scheduled check", "fanout", n.Fanout, "at", n.At, "debounce", l.cfg.Debounce)
	return nil
}

// Pending returns the number of fanouts waiting out their debounce window.
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Start processes due fanouts until ctx is done.
func (l *Listener) Start(ctx context.Context) {
	go func() {
		l.log.Info("trigger: listening", "debounce", l.cfg.Debounce, "auto_claim", l.cfg.AutoClaim)
		defer l.stop()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-l.due:
				l.safeCheck(ctx, f)
			}
		}
	}()
}

func (l *Listener) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for f, t := range l.pending {
		t.Stop()
		delete(l.pending, f)
	}
}

func (l *Listener) safeCheck(ctx context.Context, f solana.PublicKey) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("trigger: check panicked", "fanout", f, "panic", r)
			metrics.TriggerRunsTotal.WithLabelValues("panic").Inc()
			if l.cfg.OnError != nil {
				l.cfg.OnError(f, fmt.Errorf("panic: %v", r))
			}
		}
	}()
	if _, err := l.Check(ctx, f); err != nil && !errors.Is(err, context.Canceled) {
		l.log.Error("trigger: check failed", "fanout", f, "error", err)
	}
}

// Check runs the staleness check for fanout right away.
func (l *Listener) Check(ctx context.Context, f solana.PublicKey) (Result, error) {
	res, err := l.check(ctx, f)
	metrics.TriggerRunsTotal.WithLabelValues(string(res)).Inc()
	if err != nil && l.cfg.OnError != nil && !errors.Is(err, context.Canceled) {
		l.cfg.OnError(f, err)
	}
	return res, err
}

func (l *Listener) check(ctx context.Context, f solana.PublicKey) (Result, error) {
	stale, err := l.cfg.Claimer.NeedsClaim(ctx, f)
	if err != nil {
		return ResultError, fmt.Errorf("failed to check fanout %s: %w", f, err)
	}
	if !stale {
		l.log.Debug("trigger: fanout is fresh", "fanout", f)
		return ResultFresh, nil
	}
	if !l.cfg.AutoClaim {
		l.log.Info("trigger: fanout has stale vouchers", "fanout", f)
		return ResultStale, nil
	}
	res, err := l.cfg.Claimer.ClaimAll(ctx, f)
	if err != nil {
		return ResultError, fmt.Errorf("failed to claim fanout %s: %w", f, err)
	}
	l.log.Info("trigger: claimed fanout", "fanout", f, "run_id", res.RunID, "claimed", res.Claimed)
	return ResultClaimed, nil
}
