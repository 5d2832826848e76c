package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means a referenced record is absent. Callers re-plan.
	ErrNotFound = errors.New("not found")

	// ErrConflict means an optimistic-concurrency check failed. Callers rerun
	// the whole planning pass, not just the failed operation.
	ErrConflict = errors.New("conflict")

	// ErrInvariantViolation means an operation would break an ordering or
	// accounting invariant. It is raised before anything is written.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInconsistent means a listed record no longer resolves to what the
	// listing claimed, usually a stale index. Callers re-read and retry.
	ErrInconsistent = errors.New("inconsistent state")

	// ErrRewardsNotClaimed rejects closing a voucher that is still owed a payout.
	ErrRewardsNotClaimed = fmt.Errorf("%w: rewards not claimed", ErrInvariantViolation)

	// ErrInsufficientFunds rejects a claim whose payout exceeds what the
	// fanout's token account holds.
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds", ErrInvariantViolation)

	// ErrSharesExceeded rejects a share upsert that would issue more shares
	// than the fanout's capacity.
	ErrSharesExceeded = fmt.Errorf("%w: total shares issued exceeds total shares", ErrInvariantViolation)
)

// OpError ties a rule failure to the operation that caused it.
type OpError struct {
	Op  Op
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
