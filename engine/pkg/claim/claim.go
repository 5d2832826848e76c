// Package claim decides which vouchers are owed a payout and plans the claims
// that pay them.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/batch"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/pda"
)

// ErrMismatch means a voucher was checked against an inflow it does not
// belong to. It indicates caller misuse.
var ErrMismatch = errors.New("voucher does not belong to inflow")

// NeedsClaim reports whether voucher is owed a payout. It is owed one when its
// watermark trails the inflow total, or when the fanout holds more of the mint
// than the inflow last accounted for.
func NeedsClaim(voucher *ledger.Voucher, inflow *ledger.TokenInflow, liveBalance uint64) (bool, error) {
	if voucher == nil || inflow == nil {
		return false, fmt.Errorf("%w: nil voucher or inflow", ErrMismatch)
	}
	if !voucher.Fanout.Equals(inflow.Fanout) || !voucher.Mint.Equals(inflow.Mint) {
		return false, fmt.Errorf("%w: voucher %s/%s, inflow %s/%s",
			ErrMismatch, voucher.Fanout, voucher.Mint, inflow.Fanout, inflow.Mint)
	}
	if voucher.LastClaimed > inflow.TotalInflow {
		return false, fmt.Errorf("%w: watermark %d exceeds inflow total %d",
			ledger.ErrInconsistent, voucher.LastClaimed, inflow.TotalInflow)
	}
	return voucher.LastClaimed < inflow.TotalInflow || inflow.LastSnapshot < liveBalance, nil
}

// AnyNeedsClaim reports whether any voucher needs a claim, stopping at the
// first that does. inflows and balances are keyed by mint.
func AnyNeedsClaim(vouchers []*ledger.Voucher, inflows map[solana.PublicKey]*ledger.TokenInflow, balances map[solana.PublicKey]uint64) (bool, error) {
	for _, v := range vouchers {
		if v == nil {
			return false, fmt.Errorf("%w: nil voucher", ErrMismatch)
		}
		inflow, ok := inflows[v.Mint]
		if !ok {
			return false, fmt.Errorf("%w: no inflow for mint %s", ledger.ErrInconsistent, v.Mint)
		}
		stale, err := NeedsClaim(v, inflow, balances[v.Mint])
		if err != nil {
			return false, err
		}
		if stale {
			return true, nil
		}
	}
	return false, nil
}

type Config struct {
	Logger *slog.Logger
	Reader ledger.Reader

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
	if cfg.PDA == nil {
		cfg.PDA = pda.Default
	}
	return nil
}

type Detector struct {
	log *slog.Logger
	cfg Config
	ops *ledger.Builder
}

func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{log: cfg.Logger, cfg: cfg, ops: ledger.NewBuilder(cfg.PDA)}, nil
}

// State is a fanout snapshot plus the balance of each enabled mint. Balances
// come from the ledger that claims pay out of, so a claim always settles what
// made its voucher stale.
type State struct {
	*ledger.Snapshot
	Balances map[solana.PublicKey]uint64
}

// Load reads the fanout and the balance of every enabled mint.
func (d *Detector) Load(ctx context.Context, fanout solana.PublicKey) (*State, error) {
	snap, err := ledger.LoadSnapshot(ctx, d.cfg.Reader, fanout)
	if err != nil {
		return nil, err
	}
	return d.withBalances(ctx, snap)
}

func (d *Detector) withBalances(ctx context.Context, snap *ledger.Snapshot) (*State, error) {
	s := &State{Snapshot: snap, Balances: make(map[solana.PublicKey]uint64, len(snap.Inflows))}
	for _, rec := range snap.Inflows {
		mint := rec.Account.(*ledger.TokenInflow).Mint
		bal, err := d.cfg.Reader.TokenBalance(ctx, snap.Address, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance of %s: %w", mint, err)
		}
		s.Balances[mint] = bal
	}
	return s, nil
}

// Stale returns the vouchers that need a claim, in listing order.
func (s *State) Stale() ([]*ledger.Record, error) {
	return s.StaleAmong(s.Vouchers)
}

// StaleAmong returns the members of recs that need a claim.
func (s *State) StaleAmong(recs []*ledger.Record) ([]*ledger.Record, error) {
	var out []*ledger.Record
	for _, rec := range recs {
		v, ok := ledger.As[*ledger.Voucher](rec)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a voucher", ErrMismatch, rec.Address)
		}
		inflowRec := s.Inflow(v.Mint)
		if inflowRec == nil {
			return nil, fmt.Errorf("%w: voucher %s has no inflow for mint %s", ledger.ErrInconsistent, rec.Address, v.Mint)
		}
		stale, err := NeedsClaim(v, inflowRec.Account.(*ledger.TokenInflow), s.Balances[v.Mint])
		if err != nil {
			return nil, fmt.Errorf("voucher %s: %w", rec.Address, err)
		}
		if stale {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Any reports whether any voucher needs a claim.
func (s *State) Any() (bool, error) {
	vouchers := make([]*ledger.Voucher, len(s.Vouchers))
	for i, rec := range s.Vouchers {
		vouchers[i] = rec.Account.(*ledger.Voucher)
	}
	inflows := make(map[solana.PublicKey]*ledger.TokenInflow, len(s.Inflows))
	for _, rec := range s.Inflows {
		in := rec.Account.(*ledger.TokenInflow)
		inflows[in.Mint] = in
	}
	return AnyNeedsClaim(vouchers, inflows, s.Balances)
}

// NeedsClaim reports whether any voucher of fanout is owed a payout.
func (d *Detector) NeedsClaim(ctx context.Context, fanout solana.PublicKey) (bool, error) {
	s, err := d.Load(ctx, fanout)
	if err != nil {
		return false, err
	}
	return s.Any()
}

// Plan holds the ops of a claim pass. Receivers without a token account get
// one first, since a claim cannot pay into a missing account.
type Plan struct {
	TokenAccounts []ledger.Op
	Claims        []ledger.Op
	Skipped       int
}

// Empty reports whether the pass has nothing to submit.
func (p *Plan) Empty() bool {
	return len(p.TokenAccounts) == 0 && len(p.Claims) == 0
}

// Groups orders the pass for the batch executor.
func (p *Plan) Groups() []batch.Group {
	return []batch.Group{
		{Name: "receiver_token_accounts", Ops: p.TokenAccounts},
		{Name: "claims", Ops: p.Claims},
	}
}

// PlanClaims reads fanout and plans a claim for every stale voucher.
func (d *Detector) PlanClaims(ctx context.Context, fanout solana.PublicKey) (*Plan, error) {
	s, err := d.Load(ctx, fanout)
	if err != nil {
		return nil, err
	}
	return d.PlanFrom(ctx, s)
}

// PlanFrom plans claims against an already loaded state.
func (d *Detector) PlanFrom(ctx context.Context, s *State) (*Plan, error) {
	return d.PlanAmong(ctx, s, s.Vouchers)
}

// PlanAmong plans claims for the stale members of recs.
func (d *Detector) PlanAmong(ctx context.Context, s *State, recs []*ledger.Record) (*Plan, error) {
	stale, err := s.StaleAmong(recs)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Skipped: len(recs) - len(stale)}
	if len(stale) == 0 {
		return plan, nil
	}

	receivers := make([]solana.PublicKey, 0, len(stale))
	owners := make([]ledger.CreateTokenAccount, 0, len(stale))
	seen := make(map[solana.PublicKey]bool, len(stale))
	for _, rec := range stale {
		v := rec.Account.(*ledger.Voucher)
		// A claim pays the wallet recorded on the voucher.
		op, err := d.ops.CreateTokenAccount(v.Wallet, v.Mint)
		if err != nil {
			return nil, err
		}
		if !seen[op.Account] {
			seen[op.Account] = true
			receivers = append(receivers, op.Account)
			owners = append(owners, op)
		}

		claimOp, err := d.ops.Claim(s.Address, v.Mint, rec.Address)
		if err != nil {
			return nil, err
		}
		plan.Claims = append(plan.Claims, claimOp)
	}

	existing, err := d.cfg.Reader.GetMany(ctx, receivers)
	if err != nil {
		return nil, fmt.Errorf("failed to get receiver token accounts: %w", err)
	}
	for i, rec := range existing {
		if rec == nil {
			plan.TokenAccounts = append(plan.TokenAccounts, owners[i])
		}
	}

	d.log.Debug("claim: planned", "fanout", s.Address, "claims", len(plan.Claims),
		"token_accounts", len(plan.TokenAccounts), "skipped", plan.Skipped)
	return plan, nil
}
