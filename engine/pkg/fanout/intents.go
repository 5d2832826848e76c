package fanout

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/batch"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/pda"
)

// InitFanoutRequest describes a new fanout.
type InitFanoutRequest struct {
	Name        string
	Authority   solana.PublicKey
	CronJob     solana.PublicKey
	Schedule    string
	TotalShares uint32
}

// InitFanout creates the fanout. Creating a fanout that already exists is a
// no-op and returns its address.
func (s *Service) InitFanout(ctx context.Context, req InitFanoutRequest) (solana.PublicKey, error) {
	if req.TotalShares == 0 {
		return solana.PublicKey{}, fmt.Errorf("%w: total shares must be positive", pda.ErrInvalidInput)
	}
	op, err := s.ops.InitFanout(req.Name, req.Authority, req.CronJob, req.Schedule, req.TotalShares)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if err := s.submit(ctx, "init_fanout", op); err != nil {
		return solana.PublicKey{}, err
	}
	s.log.Info("fanout: initialized", "fanout", op.Fanout, "name", req.Name, "total_shares", req.TotalShares)
	return op.Fanout, nil
}

// UpsertShare sets the share at index and reconciles the fanout, so the share
// holds a voucher for every enabled mint when it returns. The rent of the
// share is refunded to the fanout authority.
func (s *Service) UpsertShare(ctx context.Context, fanout solana.PublicKey, index uint32, wallet solana.PublicKey, shares uint32) (*ReconcileResult, error) {
	if wallet.IsZero() {
		return nil, fmt.Errorf("%w: wallet is the zero key", pda.ErrInvalidInput)
	}
	if shares == 0 {
		return nil, fmt.Errorf("%w: shares must be positive", pda.ErrInvalidInput)
	}
	f, err := s.fanoutAccount(ctx, fanout)
	if err != nil {
		return nil, err
	}
	op, err := s.ops.UpsertWalletShare(fanout, index, wallet, shares, f.Authority)
	if err != nil {
		return nil, err
	}
	if err := s.submit(ctx, "upsert_share", op); err != nil {
		return nil, err
	}
	s.log.Info("fanout: upserted share", "fanout", fanout, "index", index, "wallet", wallet, "shares", shares)
	return s.Reconcile(ctx, fanout)
}

// RemoveShare claims what the share's vouchers are owed, closes them, then
// closes the share.
func (s *Service) RemoveShare(ctx context.Context, fanout solana.PublicKey, index uint32) error {
	err := s.withRetry(ctx, "remove_share", fanout, func() error {
		groups, err := s.reconciler.PlanShareRemoval(ctx, fanout, index)
		if err != nil {
			return err
		}
		_, err = s.exec.Execute(ctx, groups)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info("fanout: removed share", "fanout", fanout, "index", index)
	return nil
}

// EnableMint starts accumulating mint on the fanout and reconciles, so every
// share holds a voucher for it when it returns.
func (s *Service) EnableMint(ctx context.Context, fanout, mint solana.PublicKey) (*ReconcileResult, error) {
	if mint.IsZero() {
		return nil, fmt.Errorf("%w: mint is the zero key", pda.ErrInvalidInput)
	}
	f, err := s.fanoutAccount(ctx, fanout)
	if err != nil {
		return nil, err
	}
	op, err := s.ops.InitTokenInflow(fanout, mint, f.Authority)
	if err != nil {
		return nil, err
	}
	if err := s.submit(ctx, "enable_mint", op); err != nil {
		return nil, err
	}
	s.log.Info("fanout: enabled mint", "fanout", fanout, "mint", mint)
	return s.Reconcile(ctx, fanout)
}

// DisableMint claims and closes every voucher of mint, then closes the
// inflow, sweeping what is left to the authority.
func (s *Service) DisableMint(ctx context.Context, fanout, mint solana.PublicKey) error {
	err := s.withRetry(ctx, "disable_mint", fanout, func() error {
		groups, err := s.reconciler.PlanMintDisable(ctx, fanout, mint)
		if err != nil {
			return err
		}
		_, err = s.exec.Execute(ctx, groups)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info("fanout: disabled mint", "fanout", fanout, "mint", mint)
	return nil
}

// SyncInflow folds any unaccounted balance of mint into the fanout's inflow
// total without paying anyone.
func (s *Service) SyncInflow(ctx context.Context, fanout, mint solana.PublicKey) error {
	op, err := s.ops.SyncInflow(fanout, mint)
	if err != nil {
		return err
	}
	return s.submit(ctx, "sync_inflow", op)
}

// Deposit credits the fanout's token account for mint. Only ledgers that
// simulate token balances honor it.
func (s *Service) Deposit(ctx context.Context, fanout, mint solana.PublicKey, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: amount must be positive", pda.ErrInvalidInput)
	}
	op, err := s.ops.Deposit(fanout, mint, amount)
	if err != nil {
		return err
	}
	return s.submit(ctx, "deposit", op)
}

// submit commits a single op as its own group, retrying conflicts.
func (s *Service) submit(ctx context.Context, name string, op ledger.Op) error {
	return s.withRetry(ctx, name, op.Target(), func() error {
		_, err := s.exec.Execute(ctx, []batch.Group{{Name: name, Ops: []ledger.Op{op}}})
		return err
	})
}

// Authority returns the key allowed to change fanout.
func (s *Service) Authority(ctx context.Context, fanout solana.PublicKey) (solana.PublicKey, error) {
	f, err := s.fanoutAccount(ctx, fanout)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return f.Authority, nil
}

func (s *Service) fanoutAccount(ctx context.Context, fanout solana.PublicKey) (*ledger.Fanout, error) {
	rec, err := s.cfg.Ledger.Get(ctx, fanout)
	if err != nil {
		return nil, fmt.Errorf("failed to get fanout %s: %w", fanout, err)
	}
	f, ok := ledger.As[*ledger.Fanout](rec)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %s, not a fanout", ledger.ErrInconsistent, fanout, rec.Kind())
	}
	return f, nil
}
