package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/walletfanout/engine/pkg/fanout"
	"github.com/malbeclabs/walletfanout/engine/pkg/history"
	"github.com/malbeclabs/walletfanout/engine/pkg/trigger"
	"golang.org/x/time/rate"
)

const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultSignatureMaxAge   = 5 * time.Minute
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// ClaimHistory serves past claim runs.
type ClaimHistory interface {
	ClaimRuns(ctx context.Context, fanout solana.PublicKey, limit int) ([]history.ClaimRun, error)
}

// Notifier accepts scheduled-execution notifications.
type Notifier interface {
	Notify(n trigger.Notification) error
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Service *fanout.Service

	// Optional.
	History  ClaimHistory
	Notifier Notifier
	Ready    func(ctx context.Context) error

	// RateLimit and RateBurst bound requests per client IP. Zero disables it.
	RateLimit rate.Limit
	RateBurst int

	// RequireSignatures makes every mutation carry a signature by the
	// fanout authority.
	RequireSignatures bool
	SignatureMaxAge   time.Duration

	// EnableDeposits exposes the deposit route, for ledgers that simulate
	// token balances.
	EnableDeposits bool

	AllowedOrigins []string

	// ReportPanics forwards handler panics to sentry.
	ReportPanics bool

	Clock clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Service == nil {
		return errors.New("service is required")
	}
	if cfg.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.SignatureMaxAge == 0 {
		cfg.SignatureMaxAge = DefaultSignatureMaxAge
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}
