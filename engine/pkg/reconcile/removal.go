package reconcile

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/batch"
	"github.com/malbeclabs/walletfanout/engine/pkg/claim"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
)

// PlanShareRemoval plans removing the share at index: stale vouchers of the
// share are claimed, then every voucher of the share is closed, then the
// share itself. Vouchers go before the share they were issued for.
func (r *Reconciler) PlanShareRemoval(ctx context.Context, fanout solana.PublicKey, index uint32) ([]batch.Group, error) {
	st, err := r.cfg.Claims.Load(ctx, fanout)
	if err != nil {
		return nil, err
	}
	shareRec := st.Share(index)
	if shareRec == nil {
		return nil, fmt.Errorf("%w: share index %d of fanout %s", ledger.ErrNotFound, index, fanout)
	}

	vouchers := st.VouchersOf(shareRec.Address)
	groups, err := r.drainVouchers(ctx, st, vouchers)
	if err != nil {
		return nil, err
	}
	closeShare, err := r.ops.CloseWalletShare(fanout, index)
	if err != nil {
		return nil, err
	}
	groups = append(groups, batch.Group{Name: "close_share", Ops: []ledger.Op{closeShare}})

	if err := ValidateOrder(st.Snapshot, groups); err != nil {
		return nil, err
	}
	r.log.Debug("reconcile: planned share removal", "fanout", fanout, "index", index, "vouchers", len(vouchers))
	return groups, nil
}

// PlanMintDisable plans disabling mint: its stale vouchers are claimed, every
// voucher of the mint is closed, then the inflow is closed, which sweeps what
// is left to the authority.
func (r *Reconciler) PlanMintDisable(ctx context.Context, fanout, mint solana.PublicKey) ([]batch.Group, error) {
	st, err := r.cfg.Claims.Load(ctx, fanout)
	if err != nil {
		return nil, err
	}
	if st.Inflow(mint) == nil {
		return nil, fmt.Errorf("%w: mint %s is not enabled on fanout %s", ledger.ErrNotFound, mint, fanout)
	}

	vouchers := st.VouchersFor(mint)
	groups, err := r.drainVouchers(ctx, st, vouchers)
	if err != nil {
		return nil, err
	}
	closeInflow, err := r.ops.CloseTokenInflow(fanout, mint)
	if err != nil {
		return nil, err
	}
	groups = append(groups, batch.Group{Name: "close_inflow", Ops: []ledger.Op{closeInflow}})

	if err := ValidateOrder(st.Snapshot, groups); err != nil {
		return nil, err
	}
	r.log.Debug("reconcile: planned mint disable", "fanout", fanout, "mint", mint, "vouchers", len(vouchers))
	return groups, nil
}

// drainVouchers plans the claim pass and the closes for vouchers.
func (r *Reconciler) drainVouchers(ctx context.Context, st *claim.State, vouchers []*ledger.Record) ([]batch.Group, error) {
	claims, err := r.cfg.Claims.PlanAmong(ctx, st, vouchers)
	if err != nil {
		return nil, err
	}
	closes := make([]ledger.Op, 0, len(vouchers))
	for _, rec := range vouchers {
		v := rec.Account.(*ledger.Voucher)
		op, err := r.ops.CloseVoucher(st.Address, v.Mint, rec.Address)
		if err != nil {
			return nil, err
		}
		closes = append(closes, op)
	}
	return append(claims.Groups(), batch.Group{Name: "close_vouchers", Ops: closes}), nil
}

// ValidateClose rejects a close that would break teardown ordering against
// the current state: an inflow with live vouchers, or a fanout that still
// owns records.
func ValidateClose(snap *ledger.Snapshot, op ledger.Op) error {
	return ValidateOrder(snap, []batch.Group{{Ops: []ledger.Op{op}}})
}

// ValidateOrder checks that every close in groups only happens once its
// dependents are closed, either already in snap or by an earlier group. Ops
// of the same group commit in any order, so they cannot satisfy each other.
func ValidateOrder(snap *ledger.Snapshot, groups []batch.Group) error {
	closed := make(map[solana.PublicKey]bool)
	live := func(recs []*ledger.Record) int {
		n := 0
		for _, rec := range recs {
			if !closed[rec.Address] {
				n++
			}
		}
		return n
	}

	for _, g := range groups {
		for _, op := range g.Ops {
			switch o := op.(type) {
			case ledger.CloseTokenInflow:
				inflowRec := recordAt(snap.Inflows, o.TokenInflow)
				if inflowRec == nil {
					continue
				}
				mint := inflowRec.Account.(*ledger.TokenInflow).Mint
				if n := live(snap.VouchersFor(mint)); n > 0 {
					return fmt.Errorf("%w: inflow %s still has %d vouchers", ledger.ErrInvariantViolation, mint, n)
				}
			case ledger.CloseFanout:
				for _, kind := range []struct {
					name string
					recs []*ledger.Record
				}{
					{"wallet shares", snap.Shares},
					{"vouchers", snap.Vouchers},
					{"inflows", snap.Inflows},
				} {
					if n := live(kind.recs); n > 0 {
						return fmt.Errorf("%w: fanout %s still has %d %s", ledger.ErrInvariantViolation, o.Fanout, n, kind.name)
					}
				}
			}
		}
		for _, op := range g.Ops {
			switch op.(type) {
			case ledger.CloseWalletShare, ledger.CloseVoucher, ledger.CloseTokenInflow, ledger.CloseFanout:
				closed[op.Target()] = true
			}
		}
	}
	return nil
}

func recordAt(recs []*ledger.Record, addr solana.PublicKey) *ledger.Record {
	for _, rec := range recs {
		if rec.Address.Equals(addr) {
			return rec
		}
	}
	return nil
}
