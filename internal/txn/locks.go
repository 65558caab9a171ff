package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Locker grants exclusive access to sets of participant ids. Acquire blocks
// until every id is held or the context expires; the returned slice is what
// must later be passed to Release.
type Locker interface {
	Acquire(ctx context.Context, ids []string) ([]string, error)
	Release(held []string)
}

// lockTable serializes transactions whose isolation level requires exclusive
// access to their participants. Locks are always acquired in sorted id order
// so two transactions contending over overlapping sets cannot deadlock.
type lockTable struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{gates: make(map[string]chan struct{})}
}

// gate returns the semaphore for a participant id, creating it on first use.
func (lt *lockTable) gate(id string) chan struct{} {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	g, ok := lt.gates[id]
	if !ok {
		g = make(chan struct{}, 1)
		lt.gates[id] = g
	}
	return g
}

// Acquire takes the lock for every id, blocking until all are held or ctx is
// done. On cancellation the locks already taken are released. The returned
// slice is what must later be passed to Release.
func (lt *lockTable) Acquire(ctx context.Context, ids []string) ([]string, error) {
	ordered := append([]string(nil), ids...)
	sort.Strings(ordered)

	held := make([]string, 0, len(ordered))
	for i, id := range ordered {
		if i > 0 && id == ordered[i-1] {
			continue
		}
		select {
		case lt.gate(id) <- struct{}{}:
			held = append(held, id)
		case <-ctx.Done():
			lt.Release(held)
			return nil, fmt.Errorf("acquiring participant locks: %w", ctx.Err())
		}
	}
	return held, nil
}

// Release frees the locks for the given ids. Releasing an unheld lock is a
// no-op.
func (lt *lockTable) Release(ids []string) {
	for _, id := range ids {
		select {
		case <-lt.gate(id):
		default:
		}
	}
}
