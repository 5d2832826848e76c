package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/walletfanout/engine/pkg/archive"
	"github.com/malbeclabs/walletfanout/engine/pkg/balance"
	"github.com/malbeclabs/walletfanout/engine/pkg/fanout"
	"github.com/malbeclabs/walletfanout/engine/pkg/history"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger/memory"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger/postgres"
	"github.com/malbeclabs/walletfanout/engine/pkg/metrics"
	"github.com/malbeclabs/walletfanout/engine/pkg/server"
	"github.com/malbeclabs/walletfanout/engine/pkg/trigger"
	"github.com/malbeclabs/walletfanout/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address (or set LISTEN_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 15*time.Second, "Maximum time to wait for in-flight requests during shutdown")

	// Ledger
	ledgerFlag := flag.String("ledger", "memory", "Ledger backend: memory or postgres (or set LEDGER env var)")
	postgresHostFlag := flag.String("postgres-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	postgresPortFlag := flag.String("postgres-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	postgresDatabaseFlag := flag.String("postgres-database", "walletfanout", "PostgreSQL database (or set POSTGRES_DB env var)")
	postgresUsernameFlag := flag.String("postgres-username", "", "PostgreSQL username (or set POSTGRES_USER env var)")
	postgresPasswordFlag := flag.String("postgres-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	postgresSSLModeFlag := flag.String("postgres-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")
	solanaRPCFlag := flag.String("solana-rpc-url", "", "Solana RPC URL to compare ledger balances against (or set SOLANA_RPC_URL env var)")

	// History and archive
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port); empty disables history (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")
	s3BucketFlag := flag.String("archive-bucket", "", "S3 bucket for final fanout snapshots; empty disables archiving (or set ARCHIVE_BUCKET env var)")
	s3PrefixFlag := flag.String("archive-prefix", "", "Key prefix inside the archive bucket (or set ARCHIVE_PREFIX env var)")
	s3EndpointFlag := flag.String("archive-endpoint", "", "S3-compatible endpoint URL (or set ARCHIVE_ENDPOINT env var)")

	// Execution
	maxOpsPerUnitFlag := flag.Int("max-ops-per-unit", 0, "Maximum ledger ops per submission unit (0 = default)")
	maxConcurrencyFlag := flag.Int("max-concurrency", 0, "Maximum concurrent submission units (0 = default)")
	submitRateFlag := flag.Float64("submit-rate", 0, "Maximum submission units per second (0 = unlimited)")
	debounceFlag := flag.Duration("trigger-debounce", trigger.DefaultDebounce, "Quiet period before a notified fanout is checked")
	autoClaimFlag := flag.Bool("auto-claim", true, "Claim stale fanouts when notified (or set AUTO_CLAIM env var)")

	// API
	requireSignaturesFlag := flag.Bool("require-signatures", false, "Require authority signatures on mutations (or set REQUIRE_SIGNATURES=true env var)")
	enableDepositsFlag := flag.Bool("enable-deposits", false, "Expose the deposit route (memory ledger only)")
	rateLimitFlag := flag.Int("rate-limit", 600, "Requests per minute per client IP (0 = unlimited)")
	rateBurstFlag := flag.Int("rate-burst", 60, "Burst size for the per-IP rate limit")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins (or set ALLOWED_ORIGINS env var, comma separated)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	envString(listenAddrFlag, "LISTEN_ADDR")
	envString(ledgerFlag, "LEDGER")
	envString(postgresHostFlag, "POSTGRES_HOST")
	envString(postgresPortFlag, "POSTGRES_PORT")
	envString(postgresDatabaseFlag, "POSTGRES_DB")
	envString(postgresUsernameFlag, "POSTGRES_USER")
	envString(postgresPasswordFlag, "POSTGRES_PASSWORD")
	envString(postgresSSLModeFlag, "POSTGRES_SSLMODE")
	envString(solanaRPCFlag, "SOLANA_RPC_URL")
	envString(clickhouseAddrFlag, "CLICKHOUSE_ADDR_TCP")
	envString(clickhouseDatabaseFlag, "CLICKHOUSE_DATABASE")
	envString(clickhouseUsernameFlag, "CLICKHOUSE_USERNAME")
	envString(clickhousePasswordFlag, "CLICKHOUSE_PASSWORD")
	envBool(clickhouseSecureFlag, "CLICKHOUSE_SECURE")
	envString(s3BucketFlag, "ARCHIVE_BUCKET")
	envString(s3PrefixFlag, "ARCHIVE_PREFIX")
	envString(s3EndpointFlag, "ARCHIVE_ENDPOINT")
	envBool(autoClaimFlag, "AUTO_CLAIM")
	envBool(requireSignaturesFlag, "REQUIRE_SIGNATURES")
	if env := os.Getenv("ALLOWED_ORIGINS"); env != "" {
		*allowedOriginsFlag = strings.Split(env, ",")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Release:     version,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized")
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Ledger
	var (
		l     ledger.Ledger
		ready func(ctx context.Context) error
	)
	switch *ledgerFlag {
	case "memory":
		mem, err := memory.New(memory.Config{Logger: log})
		if err != nil {
			return fmt.Errorf("failed to create memory ledger: %w", err)
		}
		l = mem
		log.Warn("using in-memory ledger, state is lost on restart")
	case "postgres":
		pgCfg := postgres.PoolConfig{
			Host:     *postgresHostFlag,
			Port:     *postgresPortFlag,
			Database: *postgresDatabaseFlag,
			Username: *postgresUsernameFlag,
			Password: *postgresPasswordFlag,
			SSLMode:  *postgresSSLModeFlag,
		}
		if err := pgCfg.Validate(); err != nil {
			return fmt.Errorf("invalid postgres config: %w", err)
		}
		if err := postgres.Migrate(ctx, log, pgCfg.ConnString()); err != nil {
			return fmt.Errorf("failed to migrate postgres: %w", err)
		}
		pool, err := postgres.NewPool(ctx, log, pgCfg.ConnString())
		if err != nil {
			return err
		}
		defer pool.Close()
		pg, err := postgres.New(postgres.Config{Logger: log, Pool: pool})
		if err != nil {
			return fmt.Errorf("failed to create postgres ledger: %w", err)
		}
		l = pg
		ready = pg.Ping
	default:
		return fmt.Errorf("unknown ledger %q (want memory or postgres)", *ledgerFlag)
	}

	svcCfg := fanout.Config{
		Logger:         log,
		Ledger:         l,
		MaxOpsPerUnit:  *maxOpsPerUnitFlag,
		MaxConcurrency: *maxConcurrencyFlag,
	}
	if *submitRateFlag > 0 {
		svcCfg.Limiter = rate.NewLimiter(rate.Limit(*submitRateFlag), 1)
	}

	if *solanaRPCFlag != "" {
		balances, err := balance.New(balance.Config{Logger: log, RPC: balance.NewClient(*solanaRPCFlag)})
		if err != nil {
			return fmt.Errorf("failed to create balance source: %w", err)
		}
		svcCfg.Chain = balances
		log.Info("comparing ledger balances with solana rpc", "url", *solanaRPCFlag)
	}

	var claimHistory server.ClaimHistory
	if *clickhouseAddrFlag != "" {
		chCfg := history.ClientConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		}
		if err := history.Migrate(ctx, log, chCfg); err != nil {
			return fmt.Errorf("failed to migrate clickhouse: %w", err)
		}
		client, err := history.NewClient(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer client.Close()
		writer, err := history.NewWriter(history.Config{Logger: log, Client: client})
		if err != nil {
			return fmt.Errorf("failed to create history writer: %w", err)
		}
		svcCfg.History = writer
		claimHistory = writer
	}

	if *s3BucketFlag != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if *s3EndpointFlag != "" {
				o.BaseEndpoint = aws.String(*s3EndpointFlag)
				o.UsePathStyle = true
			}
		})
		archiver, err := archive.New(archive.Config{
			Logger: log,
			Client: client,
			Bucket: *s3BucketFlag,
			Prefix: *s3PrefixFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create archiver: %w", err)
		}
		svcCfg.Archiver = archiver
	}

	svc, err := fanout.NewService(svcCfg)
	if err != nil {
		return fmt.Errorf("failed to create fanout service: %w", err)
	}

	listener, err := trigger.NewListener(trigger.Config{
		Logger:    log,
		Claimer:   svc,
		Debounce:  *debounceFlag,
		AutoClaim: *autoClaimFlag,
		OnError:   captureTriggerError,
	})
	if err != nil {
		return fmt.Errorf("failed to create trigger listener: %w", err)
	}

	srvCfg := server.Config{
		Logger:            log,
		ListenAddr:        *listenAddrFlag,
		ShutdownTimeout:   *shutdownTimeoutFlag,
		VersionInfo:       server.VersionInfo{Version: version, Commit: commit, Date: date},
		Service:           svc,
		History:           claimHistory,
		Notifier:          listener,
		Ready:             ready,
		RequireSignatures: *requireSignaturesFlag,
		EnableDeposits:    *enableDepositsFlag,
		AllowedOrigins:    *allowedOriginsFlag,
		ReportPanics:      os.Getenv("SENTRY_DSN") != "",
	}
	if *rateLimitFlag > 0 {
		srvCfg.RateLimit = rate.Every(time.Minute / time.Duration(*rateLimitFlag))
		srvCfg.RateBurst = *rateBurstFlag
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("fanoutd starting", "version", version, "commit", commit, "date", date, "ledger", *ledgerFlag)

	g, ctx := errgroup.WithContext(ctx)
	listener.Start(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("fanoutd stopped")
	return nil
}

func captureTriggerError(f solana.PublicKey, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("fanout", f.String())
		scope.SetTag("component", "trigger")
		sentry.CaptureException(err)
	})
}

func envString(v *string, name string) {
	if env := os.Getenv(name); env != "" {
		*v = env
	}
}

func envBool(v *bool, name string) {
	if env := os.Getenv(name); env != "" {
		*v = env == "true"
	}
}
