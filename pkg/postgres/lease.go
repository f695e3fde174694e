package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/savaki/berlioz-bot/pkg/store"
)

// workerLockKey is the advisory lock that guards the event queue
var workerLockKey = lockKey("berlioz-bot/event-worker")

func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// AcquireLease takes a session-level advisory lock on a connection held out
// of the pool. The lock lives as long as that connection, so ttl is unused.
func (s *Store) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lease != nil {
		if s.leaseHeld == owner {
			return nil
		}
		return store.ErrLeaseHeld
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lease connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, workerLockKey).Scan(&locked); err != nil {
		conn.Release()
		return fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return store.ErrLeaseHeld
	}

	s.lease = conn
	s.leaseHeld = owner
	s.logger.Info().Str("owner", owner).Int64("lock_key", workerLockKey).Msg("acquired worker lease")
	return nil
}

// RenewLease checks that the lock connection is still alive. A dead
// connection means the lock is gone.
func (s *Store) RenewLease(ctx context.Context, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lease == nil || s.leaseHeld != owner {
		return store.ErrLeaseHeld
	}

	if err := s.lease.Ping(ctx); err != nil {
		s.lease.Release()
		s.lease = nil
		s.leaseHeld = ""
		return fmt.Errorf("%w: lock connection lost: %v", store.ErrLeaseHeld, err)
	}
	return nil
}

// ReleaseLease unlocks and returns the connection to the pool
func (s *Store) ReleaseLease(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lease == nil || s.leaseHeld != owner {
		return nil
	}

	conn := s.lease
	s.lease = nil
	s.leaseHeld = ""
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, workerLockKey); err != nil {
		// closing the session drops the lock anyway
		conn.Conn().Close(ctx)
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}
