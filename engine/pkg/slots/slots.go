// Package slots allocates the transaction slot ids that tie each voucher to a
// cron transaction.
//
// The authoritative State lives on the fanout record and only changes through
// the ledger. Planners work on a Pool, a detached copy that supports
// speculative allocation and rollback.
package slots

import (
	"errors"
	"fmt"
	"slices"
)

// ErrTaken is returned by Claim when an id is held by a live voucher.
var ErrTaken = errors.New("slot already taken")

// State is the allocator state carried on a fanout: a sorted set of recyclable
// ids and the next never-used id.
type State struct {
	Available []uint32
	Next      uint32
}

// Clone returns a deep copy.
func (s State) Clone() State {
	return State{Available: slices.Clone(s.Available), Next: s.Next}
}

// Allocate pops a recycled id if any, otherwise returns the counter and
// advances it.
func (s *State) Allocate() uint32 {
	if n := len(s.Available); n > 0 {
		id := s.Available[n-1]
		s.Available = s.Available[:n-1]
		return id
	}
	id := s.Next
	s.Next++
	return id
}

// Release returns id to the pool. Releasing an available id is a no-op. While
// the highest id below the counter is available the counter shrinks, so a
// pool that drains back to empty ends at Next == 0.
func (s *State) Release(id uint32) {
	if id >= s.Next {
		return
	}
	pos, found := slices.BinarySearch(s.Available, id)
	if found {
		return
	}
	s.Available = slices.Insert(s.Available, pos, id)

	for s.Next > 0 {
		n := len(s.Available)
		if n == 0 || s.Available[n-1] != s.Next-1 {
			break
		}
		s.Available = s.Available[:n-1]
		s.Next--
	}
}

// IsFree reports whether id can be claimed right now.
func (s State) IsFree(id uint32) bool {
	if id >= s.Next {
		return true
	}
	_, found := slices.BinarySearch(s.Available, id)
	return found
}

// Claim marks id as used. It accepts recycled ids and ids at or beyond the
// counter; ids skipped over by the counter become available. Claim is how the
// ledger commits an id chosen by a planner, so units that commit out of order
// never leak ids.
func (s *State) Claim(id uint32) error {
	if id >= s.Next {
		for gap := s.Next; gap < id; gap++ {
			pos, found := slices.BinarySearch(s.Available, gap)
			if !found {
				s.Available = slices.Insert(s.Available, pos, gap)
			}
		}
		s.Next = id + 1
		return nil
	}
	pos, found := slices.BinarySearch(s.Available, id)
	if !found {
		return fmt.Errorf("%w: %d", ErrTaken, id)
	}
	s.Available = slices.Delete(s.Available, pos, pos+1)
	return nil
}

// Pool is a speculative allocator over a snapshot of State.
type Pool struct {
	state     State
	allocated map[uint32]struct{}
}

// NewPool starts a speculative pass from a snapshot. The snapshot is copied.
func NewPool(snapshot State) *Pool {
	return &Pool{state: snapshot.Clone(), allocated: make(map[uint32]struct{})}
}

// Allocate hands out an id that is unique within this pool.
func (p *Pool) Allocate() uint32 {
	id := p.state.Allocate()
	p.allocated[id] = struct{}{}
	return id
}

// Rollback returns ids whose operations failed to commit.
func (p *Pool) Rollback(ids ...uint32) {
	for _, id := range ids {
		if _, ok := p.allocated[id]; !ok {
			continue
		}
		delete(p.allocated, id)
		p.state.Release(id)
	}
}

// Allocated returns the outstanding speculative ids in ascending order.
func (p *Pool) Allocated() []uint32 {
	ids := make([]uint32, 0, len(p.allocated))
	for id := range p.allocated {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// State returns a copy of the pool's current state.
func (p *Pool) State() State {
	return p.state.Clone()
}
