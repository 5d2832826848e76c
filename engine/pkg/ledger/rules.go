package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/pda"
	"github.com/malbeclabs/walletfanout/engine/pkg/slots"
)

// DustPrecision is the fixed-point scale of Voucher.TotalDust.
const DustPrecision uint64 = 1_000_000_000_000

// Tx is the view of a ledger inside one atomic submission unit. Get returns
// (nil, nil) for an absent record. Put and Delete check rec.Version against
// the stored version and fail with ErrConflict on mismatch. A successful Put
// bumps the version and writes it back to rec.
type Tx interface {
	Get(ctx context.Context, addr solana.PublicKey) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, rec *Record) error
	List(ctx context.Context, fanout solana.PublicKey, kind Kind) ([]*Record, error)
}

// Apply executes op against tx. Every ledger implementation runs its ops
// through Apply, so they all share one set of transition rules. Creating a
// record that already exists and closing one that is already gone are no-ops.
func Apply(ctx context.Context, tx Tx, op Op) error {
	var err error
	switch o := op.(type) {
	case InitFanout:
		err = applyInitFanout(ctx, tx, o)
	case UpsertWalletShare:
		err = applyUpsertWalletShare(ctx, tx, o)
	case CloseWalletShare:
		err = applyCloseWalletShare(ctx, tx, o)
	case InitTokenInflow:
		err = applyInitTokenInflow(ctx, tx, o)
	case SyncInflow:
		err = applySyncInflow(ctx, tx, o)
	case CloseTokenInflow:
		err = applyCloseTokenInflow(ctx, tx, o)
	case InitVoucher:
		err = applyInitVoucher(ctx, tx, o)
	case Claim:
		err = applyClaim(ctx, tx, o)
	case CloseVoucher:
		err = applyCloseVoucher(ctx, tx, o)
	case CloseFanout:
		err = applyCloseFanout(ctx, tx, o)
	case CreateTokenAccount:
		err = applyCreateTokenAccount(ctx, tx, o)
	case Deposit:
		err = applyDeposit(ctx, tx, o)
	default:
		panic(fmt.Sprintf("ledger: unknown op %T", op))
	}
	if err != nil {
		return &OpError{Op: op, Err: err}
	}
	return nil
}

func load[T Account](ctx context.Context, tx Tx, addr solana.PublicKey) (*Record, T, error) {
	var zero T
	rec, err := tx.Get(ctx, addr)
	if err != nil {
		return nil, zero, err
	}
	if rec == nil {
		return nil, zero, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	a, ok := As[T](rec)
	if !ok {
		return nil, zero, fmt.Errorf("%w: %s is a %s", ErrInconsistent, addr, rec.Kind())
	}
	return rec, a, nil
}

// loadOptional is load that maps an absent record to (nil, zero, nil).
func loadOptional[T Account](ctx context.Context, tx Tx, addr solana.PublicKey) (*Record, T, error) {
	rec, a, err := load[T](ctx, tx, addr)
	if errors.Is(err, ErrNotFound) {
		var zero T
		return nil, zero, nil
	}
	return rec, a, err
}

func belongs(what string, got, fanout solana.PublicKey) error {
	if !got.Equals(fanout) {
		return fmt.Errorf("%w: %s belongs to fanout %s, not %s", ErrInconsistent, what, got, fanout)
	}
	return nil
}

func applyInitFanout(ctx context.Context, tx Tx, o InitFanout) error {
	if o.Name == "" || len(o.Name) > pda.MaxNameLength {
		return fmt.Errorf("%w: fanout name must be 1-%d bytes", pda.ErrInvalidInput, pda.MaxNameLength)
	}
	if o.TotalShares == 0 {
		return fmt.Errorf("%w: total shares must be greater than 0", pda.ErrInvalidInput)
	}
	rec, _, err := loadOptional[*Fanout](ctx, tx, o.Fanout)
	if err != nil || rec != nil {
		return err
	}
	return tx.Put(ctx, &Record{
		Address: o.Fanout,
		Account: &Fanout{
			Authority:   o.Authority,
			CronJob:     o.CronJob,
			TotalShares: o.TotalShares,
			Name:        o.Name,
			Schedule:    o.Schedule,
		},
	})
}

func applyUpsertWalletShare(ctx context.Context, tx Tx, o UpsertWalletShare) error {
	if o.Wallet.IsZero() {
		return fmt.Errorf("%w: wallet is the zero key", pda.ErrInvalidInput)
	}
	fanoutRec, fanout, err := load[*Fanout](ctx, tx, o.Fanout)
	if err != nil {
		return err
	}
	shareRec, share, err := loadOptional[*WalletShare](ctx, tx, o.WalletShare)
	if err != nil {
		return err
	}

	issued := uint64(fanout.TotalSharesIssued)
	if shareRec != nil {
		if err := belongs("wallet share", share.Fanout, o.Fanout); err != nil {
			return err
		}
		if share.Index != o.Index {
			return fmt.Errorf("%w: wallet share %s has index %d, not %d", ErrInconsistent, o.WalletShare, share.Index, o.Index)
		}
		issued -= uint64(share.Shares)
	} else {
		shareRec = &Record{Address: o.WalletShare}
		share = &WalletShare{Fanout: o.Fanout, Index: o.Index}
		shareRec.Account = share
	}
	issued += uint64(o.Shares)
	if issued > uint64(fanout.TotalShares) {
		return fmt.Errorf("%w: %d > %d", ErrSharesExceeded, issued, fanout.TotalShares)
	}

	share.Wallet = o.Wallet
	share.Shares = o.Shares
	share.RentRefund = o.RentRefund
	fanout.TotalSharesIssued = uint32(issued)
	fanout.NextShareIndex = max(fanout.NextShareIndex, o.Index+1)

	if err := tx.Put(ctx, shareRec); err != nil {
		return err
	}
	return tx.Put(ctx, fanoutRec)
}

func applyCloseWalletShare(ctx context.Context, tx Tx, o CloseWalletShare) error {
	shareRec, share, err := loadOptional[*WalletShare](ctx, tx, o.WalletShare)
	if err != nil || shareRec == nil {
		return err
	}
	if err := belongs("wallet share", share.Fanout, o.Fanout); err != nil {
		return err
	}
	fanoutRec, fanout, err := load[*Fanout](ctx, tx, o.Fanout)
	if err != nil {
		return err
	}
	fanout.TotalSharesIssued -= min(fanout.TotalSharesIssued, share.Shares)
	if err := tx.Delete(ctx, shareRec); err != nil {
		return err
	}
	return tx.Put(ctx, fanoutRec)
}

func applyInitTokenInflow(ctx context.Context, tx Tx, o InitTokenInflow) error {
	fanoutRec, fanout, err := load[*Fanout](ctx, tx, o.Fanout)
	if err != nil {
		return err
	}
	inflowRec, _, err := loadOptional[*TokenInflow](ctx, tx, o.TokenInflow)
	if err != nil || inflowRec != nil {
		return err
	}
	if _, err := ensureTokenAccount(ctx, tx, o.Fanout, o.Mint); err != nil {
		return err
	}
	fanout.NumInflows++
	if err := tx.Put(ctx, &Record{
		Address: o.TokenInflow,
		Account: &TokenInflow{Fanout: o.Fanout, Mint: o.Mint, RentRefund: o.RentRefund},
	}); err != nil {
		return err
	}
	return tx.Put(ctx, fanoutRec)
}

func applySyncInflow(ctx context.Context, tx Tx, o SyncInflow) error {
	_, fanout, err := load[*Fanout](ctx, tx, o.Fanout)
	if err != nil {
		return err
	}
	inflowRec, inflow, err := load[*TokenInflow](ctx, tx, o.TokenInflow)
	if err != nil {
		return err
	}
	if err := belongs("token inflow", inflow.Fanout, o.Fanout); err != nil {
		return err
	}
	balance, err := fanoutBalance(ctx, tx, o.Fanout, inflow.Mint)
	if err != nil {
		return err
	}
	before := *inflow
	if err := updateTotalInflow(inflow, balance, fanout); err != nil {
		return err
	}
	if *inflow == before {
		return nil
	}
	return tx.Put(ctx, inflowRec)
}

func applyCloseTokenInflow(ctx context.Context, tx Tx, o CloseTokenInflow) error {
	inflowRec, inflow, err := loadOptional[*TokenInflow](ctx, tx, o.TokenInflow)
	if err != nil || inflowRec == nil {
		return err
	}
	if err := belongs("token inflow", inflow.Fanout, o.Fanout); err != nil {
		return err
	}
	if inflow.NumVouchers > 0 {
		return fmt.Errorf("%w: token inflow %s still has %d vouchers", ErrInvariantViolation, o.TokenInflow, inflow.NumVouchers)
	}
	fanoutRec, fanout, err := load[*Fanout](ctx, tx, o.Fanout)
	if err != nil {
		return err
	}

	// Sweep what is left to the authority and close the fanout's token account.
	fanoutATA, err := pda.TokenAccount(o.Fanout, inflow.Mint)
	if err != nil {
		return err
	}
	srcRec, src, err := loadOptional[*TokenAccount](ctx, tx, fanoutATA)
	if err != nil {
		return err
	}
	if srcRec != nil {
		if src.Amount > 0 {
			dstRec, err := ensureTokenAccount(ctx, tx, fanout.Authority, inflow.Mint)
			if err != nil {
				return err
			}
			dst := dstRec.Account.(*TokenAccount)
			if err := credit(dst, src.Amount); err != nil {
				return err
			}
			if err := tx.Put(ctx, dstRec); err != nil {
				return err
			}
		}
		if err := tx.Delete(ctx, srcRec); err != nil {
			return err
		}
	}

	fanout.NumInflows -= min(fanout.NumInflows, 1)
	if err := tx.Delete(ctx, inflowRec); err != nil {
		return err
	}
	return tx.Put(ctx, fanoutRec)
}

func applyInitVoucher(ctx context.Context, tx Tx, o InitVoucher) error {
	voucherRec, _, err := loadOptional[*Voucher](ctx, tx, o.Voucher)
	if err != nil || voucherRec != nil {
		return err
	}
	fanoutRec, fanout, err := load[*Fanout](ctx, tx, o.Fanout)
	if err != nil {
		return err
	}
	_, share, err := load[*WalletShare](ctx, tx, o.WalletShare)
	if err != nil {
		return err
	}
	if err := belongs("wallet share", share.Fanout, o.Fanout); err != nil {
		return err
	}
	inflowRec, inflow, err := load[*TokenInflow](ctx, tx, o.TokenInflow)
	if err != nil {
		return err
	}
	if err := belongs("token inflow", inflow.Fanout, o.Fanout); err != nil {
		return err
	}

	state := fanout.Slots()
	if err := state.Claim(o.Slot); err != nil {
		if errors.Is(err, slots.ErrTaken) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	fanout.SetSlots(state)
	inflow.NumVouchers++

	if err := tx.Put(ctx, &Record{
		Address: o.Voucher,
		Account: &Voucher{
			WalletShare: o.WalletShare,
			Wallet:      share.Wallet,
			Slot:        o.Slot,
			Fanout:      o.Fanout,
			Mint:        inflow.Mint,
			LastClaimed: inflow.TotalInflow,
			Shares:      share.Shares,
			RentRefund:  o.RentRefund,
		},
	}); err != nil {
		return err
	}
	if err := tx.Put(ctx, inflowRec); err != nil {
		return err
	}
	return tx.Put(ctx, fanoutRec)
}

func applyClaim(ctx context.Context, tx Tx, o Claim) error {
	voucherRec, voucher, err := load[*Voucher](ctx, tx, o.Voucher)
	if err != nil {
		return err
	}
	if err := belongs("voucher", voucher.Fanout, o.Fanout); err != nil {
		return err
	}
	_, fanout, err := load[*Fanout](ctx, tx, o.Fanout)
	if err != nil {
		return err
	}
	inflowRec, inflow, err := load[*TokenInflow](ctx, tx, o.TokenInflow)
	if err != nil {
		return err
	}
	if err := belongs("token inflow", inflow.Fanout, o.Fanout); err != nil {
		return err
	}
	if !inflow.Mint.Equals(voucher.Mint) {
		return fmt.Errorf("%w: voucher mint %s does not match inflow mint %s", ErrInconsistent, voucher.Mint, inflow.Mint)
	}

	fanoutATA, err := pda.TokenAccount(o.Fanout, inflow.Mint)
	if err != nil {
		return err
	}
	srcRec, src, err := loadOptional[*TokenAccount](ctx, tx, fanoutATA)
	if err != nil {
		return err
	}
	var balance uint64
	if srcRec != nil {
		balance = src.Amount
	}
	if err := updateTotalInflow(inflow, balance, fanout); err != nil {
		return err
	}

	payout, dust, err := splitPayout(inflow.TotalInflow-voucher.LastClaimed, voucher.Shares, fanout.TotalShares)
	if err != nil {
		return err
	}
	dust += voucher.TotalDust
	payout += dust / DustPrecision
	dust %= DustPrecision
	if payout > balance {
		// Leaves the watermark in place so the payout stays owed.
		return fmt.Errorf("%w: payout %d exceeds fanout balance %d", ErrInsufficientFunds, payout, balance)
	}

	if payout > 0 {
		receiver, err := pda.TokenAccount(voucher.Wallet, inflow.Mint)
		if err != nil {
			return err
		}
		dstRec, dst, err := load[*TokenAccount](ctx, tx, receiver)
		if err != nil {
			return fmt.Errorf("receiver token account: %w", err)
		}
		src.Amount -= payout
		if err := credit(dst, payout); err != nil {
			return err
		}
		if err := tx.Put(ctx, srcRec); err != nil {
			return err
		}
		if err := tx.Put(ctx, dstRec); err != nil {
			return err
		}
		inflow.LastSnapshot = src.Amount
	}

	voucher.LastClaimed = inflow.TotalInflow
	voucher.TotalDust = dust

	// Pick up weight or wallet changes made since the voucher was created.
	shareRec, share, err := loadOptional[*WalletShare](ctx, tx, voucher.WalletShare)
	if err != nil {
		return err
	}
	if shareRec != nil {
		voucher.Shares = share.Shares
		voucher.Wallet = share.Wallet
	}

	if err := tx.Put(ctx, voucherRec); err != nil {
		return err
	}
	return tx.Put(ctx, inflowRec)
}

func applyCloseVoucher(ctx context.Context, tx Tx, o CloseVoucher) error {
	voucherRec, voucher, err := loadOptional[*Voucher](ctx, tx, o.Voucher)
	if err != nil || voucherRec == nil {
		return err
	}
	if err := belongs("voucher", voucher.Fanout, o.Fanout); err != nil {
		return err
	}
	fanoutRec, fanout, err := load[*Fanout](ctx, tx, o.Fanout)
	if err != nil {
		return err
	}
	inflowRec, inflow, err := load[*TokenInflow](ctx, tx, o.TokenInflow)
	if err != nil {
		return err
	}
	if !inflow.Mint.Equals(voucher.Mint) {
		return fmt.Errorf("%w: voucher mint %s does not match inflow mint %s", ErrInconsistent, voucher.Mint, inflow.Mint)
	}
	balance, err := fanoutBalance(ctx, tx, o.Fanout, inflow.Mint)
	if err != nil {
		return err
	}
	if err := updateTotalInflow(inflow, balance, fanout); err != nil {
		return err
	}
	if inflow.TotalInflow != voucher.LastClaimed {
		return fmt.Errorf("%w: voucher %s claimed %d of %d", ErrRewardsNotClaimed, o.Voucher, voucher.LastClaimed, inflow.TotalInflow)
	}

	inflow.NumVouchers -= min(inflow.NumVouchers, 1)
	state := fanout.Slots()
	state.Release(voucher.Slot)
	fanout.SetSlots(state)

	if err := tx.Delete(ctx, voucherRec); err != nil {
		return err
	}
	if err := tx.Put(ctx, inflowRec); err != nil {
		return err
	}
	return tx.Put(ctx, fanoutRec)
}

func applyCloseFanout(ctx context.Context, tx Tx, o CloseFanout) error {
	fanoutRec, fanout, err := loadOptional[*Fanout](ctx, tx, o.Fanout)
	if err != nil || fanoutRec == nil {
		return err
	}
	if fanout.NumInflows > 0 {
		return fmt.Errorf("%w: fanout %s still has %d inflows", ErrInvariantViolation, o.Fanout, fanout.NumInflows)
	}
	for _, kind := range []Kind{KindWalletShare, KindTokenInflow, KindVoucher} {
		recs, err := tx.List(ctx, o.Fanout, kind)
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			return fmt.Errorf("%w: fanout %s still has %d %s records", ErrInvariantViolation, o.Fanout, len(recs), kind)
		}
	}
	return tx.Delete(ctx, fanoutRec)
}

func applyCreateTokenAccount(ctx context.Context, tx Tx, o CreateTokenAccount) error {
	if err := checkTokenAccountAddress(o.Account, o.Owner, o.Mint); err != nil {
		return err
	}
	_, err := ensureTokenAccount(ctx, tx, o.Owner, o.Mint)
	return err
}

func applyDeposit(ctx context.Context, tx Tx, o Deposit) error {
	if err := checkTokenAccountAddress(o.Account, o.Owner, o.Mint); err != nil {
		return err
	}
	rec, err := ensureTokenAccount(ctx, tx, o.Owner, o.Mint)
	if err != nil {
		return err
	}
	if err := credit(rec.Account.(*TokenAccount), o.Amount); err != nil {
		return err
	}
	return tx.Put(ctx, rec)
}

func checkTokenAccountAddress(addr, owner, mint solana.PublicKey) error {
	want, err := pda.TokenAccount(owner, mint)
	if err != nil {
		return err
	}
	if !want.Equals(addr) {
		return fmt.Errorf("%w: %s is not the token account of %s for %s", ErrInconsistent, addr, owner, mint)
	}
	return nil
}

// ensureTokenAccount returns the token account of owner for mint, creating an
// empty one if it does not exist yet.
func ensureTokenAccount(ctx context.Context, tx Tx, owner, mint solana.PublicKey) (*Record, error) {
	addr, err := pda.TokenAccount(owner, mint)
	if err != nil {
		return nil, err
	}
	rec, _, err := loadOptional[*TokenAccount](ctx, tx, addr)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	rec = &Record{Address: addr, Account: &TokenAccount{Owner: owner, Mint: mint}}
	if err := tx.Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func fanoutBalance(ctx context.Context, tx Tx, fanout, mint solana.PublicKey) (uint64, error) {
	addr, err := pda.TokenAccount(fanout, mint)
	if err != nil {
		return 0, err
	}
	rec, acct, err := loadOptional[*TokenAccount](ctx, tx, addr)
	if err != nil || rec == nil {
		return 0, err
	}
	return acct.Amount, nil
}

func credit(acct *TokenAccount, amount uint64) error {
	sum, carry := bits.Add64(acct.Amount, amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: token account balance overflow", ErrInvariantViolation)
	}
	acct.Amount = sum
	return nil
}

// updateTotalInflow folds the fanout's unaccounted balance into the inflow
// total. Fresh inflow is scaled by total/issued shares so that, with part of
// the capacity unissued, the issued shares still split all of it.
func updateTotalInflow(inflow *TokenInflow, balance uint64, fanout *Fanout) error {
	if balance < inflow.LastSnapshot {
		// Funds left through something other than a claim.
		inflow.LastSnapshot = balance
		return nil
	}
	fresh := balance - inflow.LastSnapshot
	var correction uint64
	if issued := fanout.TotalSharesIssued; issued > 0 && fanout.TotalShares > issued {
		c, err := mulDiv(fresh, uint64(fanout.TotalShares-issued), uint64(issued))
		if err != nil {
			return err
		}
		correction = c
	}
	total, carry := bits.Add64(inflow.TotalInflow, fresh, 0)
	total, carry2 := bits.Add64(total, correction, 0)
	if carry|carry2 != 0 {
		return fmt.Errorf("%w: inflow total overflow", ErrInvariantViolation)
	}
	inflow.TotalInflow = total
	inflow.LastSnapshot = balance
	return nil
}

// splitPayout returns floor(delta*shares/total) and the remainder scaled to
// DustPrecision.
func splitPayout(delta uint64, shares, total uint32) (uint64, uint64, error) {
	if total == 0 {
		return 0, 0, fmt.Errorf("%w: fanout has no shares", ErrInvariantViolation)
	}
	hi, lo := bits.Mul64(delta, uint64(shares))
	if hi >= uint64(total) {
		return 0, 0, fmt.Errorf("%w: payout overflow", ErrInvariantViolation)
	}
	whole, rem := bits.Div64(hi, lo, uint64(total))
	dust, err := mulDiv(rem, DustPrecision, uint64(total))
	if err != nil {
		return 0, 0, err
	}
	return whole, dust, nil
}

func mulDiv(a, b, c uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, fmt.Errorf("%w: arithmetic overflow", ErrInvariantViolation)
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}
