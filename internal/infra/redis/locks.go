package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Locks serializes participant access across coordinator instances using
// SETNX leases. Locks are taken in sorted order so two transactions locking
// overlapping participant sets cannot deadlock, and every lease carries a TTL
// so a crashed holder cannot wedge the system.
type Locks struct {
	client *Client
	ttl    time.Duration
	poll   time.Duration
}

// NewLocks creates a distributed participant lock provider.
func NewLocks(client *Client, ttl time.Duration) *Locks {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locks{client: client, ttl: ttl, poll: 50 * time.Millisecond}
}

// Acquire takes leases on every id, blocking until each is granted or the
// context expires. On failure nothing stays held.
func (l *Locks) Acquire(ctx context.Context, ids []string) ([]string, error) {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	held := make([]string, 0, len(sorted))
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		if err := l.acquireOne(ctx, id); err != nil {
			l.Release(held)
			return nil, err
		}
		held = append(held, id)
	}
	return held, nil
}

func (l *Locks) acquireOne(ctx context.Context, id string) error {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.rdb.SetNX(ctx, participantLockKey(id), "locked", l.ttl).Result()
		if err != nil {
			return fmt.Errorf("setnx failed: %w", err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("acquiring participant locks: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release drops the leases. Failures are logged; the TTL reclaims anything
// left behind.
func (l *Locks) Release(held []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range held {
		if err := l.client.rdb.Del(ctx, participantLockKey(id)).Err(); err != nil {
			slog.Warn("failed to release participant lock", "participant", id, "error", err)
		}
	}
}
