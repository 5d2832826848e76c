package fanouttesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ClickHouseConfig holds the ClickHouse test container configuration.
type ClickHouseConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *ClickHouseConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// ClickHouseDB is a ClickHouse test container shared by a package's tests.
type ClickHouseDB struct {
	log       *slog.Logger
	cfg       *ClickHouseConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// NewClickHouseDB starts a ClickHouse container.
func NewClickHouseDB(ctx context.Context, log *slog.Logger, cfg *ClickHouseConfig) (*ClickHouseDB, error) {
	if cfg == nil {
		cfg = &ClickHouseConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}
	if err := CheckContainerRuntime(ctx); err != nil {
		return nil, err
	}

	var container *tcch.ClickHouseContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("9000/tcp").WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}
	port, err := container.MappedPort(ctx, nat.Port("9000/tcp"))
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	return &ClickHouseDB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, port.Port()),
		container: container,
	}, nil
}

// Addr returns the native protocol address (host:port).
func (db *ClickHouseDB) Addr() string {
	return db.addr
}

func (db *ClickHouseDB) Username() string {
	return db.cfg.Username
}

func (db *ClickHouseDB) Password() string {
	return db.cfg.Password
}

// NewDatabase creates an empty database for one test, dropped on cleanup,
// and returns its name.
func (db *ClickHouseDB) NewDatabase(t *testing.T) string {
	t.Helper()
	name := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	// ClickHouse may need a moment after container start to accept connections.
	var conn clickhouse.Conn
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		conn, err = clickhouse.Open(&clickhouse.Options{
			Addr: []string{db.addr},
			Auth: clickhouse.Auth{
				Database: db.cfg.Database,
				Username: db.cfg.Username,
				Password: db.cfg.Password,
			},
		})
		if err == nil {
			if err = conn.Ping(t.Context()); err == nil {
				break
			}
			conn.Close()
		}
		require.Less(t, attempt, 3, "failed to connect to ClickHouse: %v", err)
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}

	require.NoError(t, conn.Exec(t.Context(), "CREATE DATABASE IF NOT EXISTS "+name))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+name); err != nil {
			db.log.Error("failed to drop ClickHouse test database", "database", name, "error", err)
		}
		conn.Close()
	})
	return name
}

// Close terminates the container.
func (db *ClickHouseDB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}
