// Package reconcile diffs the vouchers and token accounts a fanout should have
// against what the ledger holds, and plans the ops that close the gap. It also
// plans the dependency-ordered removal of a single share or mint.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/batch"
	"github.com/malbeclabs/walletfanout/engine/pkg/claim"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/pda"
	"github.com/malbeclabs/walletfanout/engine/pkg/slots"
)

type Config struct {
	Logger *slog.Logger
	Reader ledger.Reader

	// Claims plans the claims that precede voucher closes.
	Claims *claim.Detector

	// PDA defaults to pda.Default.
	PDA *pda.Deriver
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Reader == nil {
		return errors.New("reader is required")
	}
	if cfg.Claims == nil {
		return errors.New("claim detector is required")
	}
	if cfg.PDA == nil {
		cfg.PDA = pda.Default
	}
	return nil
}

type Reconciler struct {
	log *slog.Logger
	cfg Config
	ops *ledger.Builder
}

func New(cfg Config) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reconciler{log: cfg.Logger, cfg: cfg, ops: ledger.NewBuilder(cfg.PDA)}, nil
}

// Plan is the outcome of a creation pass.
type Plan struct {
	Fanout        solana.PublicKey
	TokenAccounts []ledger.CreateTokenAccount
	Vouchers      []ledger.InitVoucher

	// Satisfied counts desired vouchers that already exist.
	Satisfied int

	pool *slots.Pool
}

// Empty reports whether the fanout is fully reconciled.
func (p *Plan) Empty() bool {
	return len(p.TokenAccounts) == 0 && len(p.Vouchers) == 0
}

// Groups orders the plan for the batch executor. Token accounts and vouchers
// are independent, but creating accounts first means a claim that runs right
// after the vouchers land has somewhere to pay.
func (p *Plan) Groups() []batch.Group {
	accounts := make([]ledger.Op, len(p.TokenAccounts))
	for i, op := range p.TokenAccounts {
		accounts[i] = op
	}
	vouchers := make([]ledger.Op, len(p.Vouchers))
	for i, op := range p.Vouchers {
		vouchers[i] = op
	}
	return []batch.Group{
		{Name: "token_accounts", Ops: accounts},
		{Name: "vouchers", Ops: vouchers},
	}
}

// Slots returns the slot ids the plan allocated, ascending.
func (p *Plan) Slots() []uint32 {
	if p.pool == nil {
		return nil
	}
	return p.pool.Allocated()
}

// Rollback returns the slots of voucher ops that did not commit to the plan's
// pool, leaving Slots with only the ids that landed. The ledger takes an id
// only when its voucher commits, so a rolled-back id is free to the next
// planning pass either way.
func (p *Plan) Rollback(ops []ledger.Op) {
	if p.pool == nil {
		return
	}
	for _, op := range ops {
		if iv, ok := op.(ledger.InitVoucher); ok {
			p.pool.Rollback(iv.Slot)
		}
	}
}

// PreCommit returns a hook for the batch executor that re-reads the fanout
// right before a unit is submitted and fails the unit with ErrConflict if a
// slot it is about to claim has been taken since planning.
func (p *Plan) PreCommit(r ledger.Reader) func(ctx context.Context, unit []ledger.Op) error {
	return func(ctx context.Context, unit []ledger.Op) error {
		var ids []uint32
		for _, op := range unit {
			if iv, ok := op.(ledger.InitVoucher); ok {
				ids = append(ids, iv.Slot)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		rec, err := r.Get(ctx, p.Fanout)
		if err != nil {
			return fmt.Errorf("failed to re-read fanout %s: %w", p.Fanout, err)
		}
		fanout, ok := ledger.As[*ledger.Fanout](rec)
		if !ok {
			return fmt.Errorf("%w: %s is a %s", ledger.ErrInconsistent, p.Fanout, rec.Kind())
		}
		state := fanout.Slots()
		for _, id := range ids {
			if !state.IsFree(id) {
				return fmt.Errorf("%w: slot %d was taken after planning", ledger.ErrConflict, id)
			}
		}
		return nil
	}
}

// PlanCreations computes the vouchers and receiver token accounts the fanout
// is missing. Every missing voucher gets a slot from a speculative pool seeded
// from the fanout as read by this call.
func (r *Reconciler) PlanCreations(ctx context.Context, fanout solana.PublicKey) (*Plan, error) {
	snap, err := ledger.LoadSnapshot(ctx, r.cfg.Reader, fanout)
	if err != nil {
		return nil, err
	}
	f := snap.FanoutAccount()

	shares, err := r.resolveShares(ctx, snap)
	if err != nil {
		return nil, err
	}

	type pair struct {
		share *ledger.Record
		mint  solana.PublicKey
	}
	var (
		pairs    []pair
		vouchers []solana.PublicKey
		owners   []ledger.CreateTokenAccount
		accounts []solana.PublicKey
		seen     = make(map[solana.PublicKey]bool)
	)
	for _, shareRec := range shares {
		share := shareRec.Account.(*ledger.WalletShare)
		for _, inflowRec := range snap.Inflows {
			mint := inflowRec.Account.(*ledger.TokenInflow).Mint
			addr, err := r.cfg.PDA.Voucher(fanout, mint, shareRec.Address)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, pair{share: shareRec, mint: mint})
			vouchers = append(vouchers, addr)

			op, err := r.ops.CreateTokenAccount(share.Wallet, mint)
			if err != nil {
				return nil, err
			}
			if !seen[op.Account] {
				seen[op.Account] = true
				owners = append(owners, op)
				accounts = append(accounts, op.Account)
			}
		}
	}

	existing, err := r.cfg.Reader.GetMany(ctx, append(slices.Clone(vouchers), accounts...))
	if err != nil {
		return nil, fmt.Errorf("failed to get vouchers and token accounts: %w", err)
	}

	plan := &Plan{Fanout: fanout, pool: slots.NewPool(f.Slots())}
	for i, p := range pairs {
		rec := existing[i]
		if rec != nil {
			if rec.Kind() != ledger.KindVoucher {
				return nil, fmt.Errorf("%w: voucher address %s holds a %s", ledger.ErrInconsistent, vouchers[i], rec.Kind())
			}
			plan.Satisfied++
			continue
		}
		op, err := r.ops.InitVoucher(fanout, p.mint, p.share.Address, plan.pool.Allocate(), f.Authority)
		if err != nil {
			return nil, err
		}
		plan.Vouchers = append(plan.Vouchers, op)
	}
	for i, rec := range existing[len(vouchers):] {
		if rec == nil {
			plan.TokenAccounts = append(plan.TokenAccounts, owners[i])
		}
	}

	r.log.Debug("reconcile: planned creations", "fanout", fanout,
		"shares", len(shares), "inflows", len(snap.Inflows),
		"vouchers", len(plan.Vouchers), "token_accounts", len(plan.TokenAccounts), "satisfied", plan.Satisfied)
	return plan, nil
}

// resolveShares re-resolves every listed share by its index. A listed share
// whose index no longer derives to a live share record means the listing is
// stale.
func (r *Reconciler) resolveShares(ctx context.Context, snap *ledger.Snapshot) ([]*ledger.Record, error) {
	addrs := make([]solana.PublicKey, len(snap.Shares))
	for i, rec := range snap.Shares {
		share := rec.Account.(*ledger.WalletShare)
		addr, err := r.cfg.PDA.WalletShare(snap.Address, share.Index)
		if err != nil {
			return nil, err
		}
		if !addr.Equals(rec.Address) {
			return nil, fmt.Errorf("%w: share %s is listed at index %d which derives to %s",
				ledger.ErrInconsistent, rec.Address, share.Index, addr)
		}
		addrs[i] = addr
	}
	live, err := r.cfg.Reader.GetMany(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet shares: %w", err)
	}
	for i, rec := range live {
		if rec == nil {
			return nil, fmt.Errorf("%w: share index %d is listed but not live",
				ledger.ErrInconsistent, snap.Shares[i].Account.(*ledger.WalletShare).Index)
		}
		share, ok := ledger.As[*ledger.WalletShare](rec)
		if !ok || !share.Fanout.Equals(snap.Address) {
			return nil, fmt.Errorf("%w: share index %d resolves to a foreign record",
				ledger.ErrInconsistent, snap.Shares[i].Account.(*ledger.WalletShare).Index)
		}
	}
	return live, nil
}
