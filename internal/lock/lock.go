// Package lock provides the per-job single-flight lock taken by the queue
// consumer. It only avoids duplicate compute; ledger uniqueness constraints
// guard correctness.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned by TryLock when another holder owns the key.
var ErrNotAcquired = errors.New("lock: not acquired")

// Lock is a held lock. Release is safe to call once.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires locks without waiting.
type Locker interface {
	TryLock(ctx context.Context, key string) (Lock, error)
}

// JobKey is the lock key for a job id.
func JobKey(jobID string) string {
	return "job:" + jobID
}
