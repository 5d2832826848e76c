// Package balance reads token balances from a Solana JSON-RPC node, so what
// the ledger holds can be checked against the chain.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/malbeclabs/walletfanout/engine/pkg/pda"
	"github.com/malbeclabs/walletfanout/utils/pkg/retry"
)

// TokenBalanceRPC is the RPC call the source makes. *rpc.Client satisfies it.
type TokenBalanceRPC interface {
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
}

type Config struct {
	Logger *slog.Logger
	RPC    TokenBalanceRPC

	// Commitment defaults to confirmed.
	Commitment solanarpc.CommitmentType

	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// RPCSource implements fanout.BalanceSource over JSON-RPC.
type RPCSource struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*RPCSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RPCSource{log: cfg.Logger, cfg: cfg}, nil
}

// NewClient returns an RPC client for url.
func NewClient(url string) *solanarpc.Client {
	return solanarpc.New(url)
}

// TokenBalance returns the balance of owner's associated token account for
// mint, or 0 if the account does not exist.
func (s *RPCSource) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	account, err := pda.TokenAccount(owner, mint)
	if err != nil {
		return 0, err
	}

	var res *solanarpc.GetTokenAccountBalanceResult
	start := time.Now()
	err = retry.Do(ctx, s.cfg.Retry, func() error {
		var err error
		res, err = s.cfg.RPC.GetTokenAccountBalance(ctx, account, s.cfg.Commitment)
		return err
	})
	if err != nil {
		if isAccountNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get token account balance of %s: %w", account, err)
	}
	if res == nil || res.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token amount %q: %w", res.Value.Amount, err)
	}
	s.log.Debug("balance: fetched token balance", "owner", owner, "mint", mint, "amount", amount, "duration", time.Since(start))
	return amount, nil
}

func isAccountNotFound(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return strings.Contains(strings.ToLower(rpcErr.Message), "could not find account")
	}
	return false
}
