// Package ledger defines the records a fanout is made of, the operations that
// change them, and the contract a storage backend has to meet.
//
// Backends (see the memory and postgres subpackages) provide atomic
// submission units and per-record versions; the transition rules themselves
// live in Apply and are shared by every backend.
package ledger

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Reader is the read side of a ledger. Reads are snapshot reads and may be
// slightly stale; every op is re-validated when it commits.
type Reader interface {
	// Get returns ErrNotFound when addr holds no record.
	Get(ctx context.Context, addr solana.PublicKey) (*Record, error)

	// GetMany returns one entry per address, nil where the record is absent.
	GetMany(ctx context.Context, addrs []solana.PublicKey) ([]*Record, error)

	// List returns the records of kind listed under fanout, ordered by address.
	List(ctx context.Context, fanout solana.PublicKey, kind Kind) ([]*Record, error)

	// TokenBalance returns the balance of owner's token account for mint, or
	// 0 if the account does not exist.
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
}

// Submitter commits one submission unit. All ops in the unit commit or none
// do.
type Submitter interface {
	Submit(ctx context.Context, ops []Op) error
}

type Ledger interface {
	Reader
	Submitter
}
