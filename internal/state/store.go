// Package state persists applied snapshots per scope with append-only
// versioning and a lease-based exclusive lock.
package state

import (
	"context"
	"time"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
)

const (
	// DefaultLeaseTTL is how long a lock stays valid without renewal before
	// another caller may break it.
	DefaultLeaseTTL = 2 * time.Minute

	// DefaultRetryInterval is the poll interval while waiting for a lock.
	DefaultRetryInterval = 5 * time.Second
)

// LockOptions controls lock acquisition.
type LockOptions struct {
	// Holder identifies who is asking, for diagnostics in LockHeld errors.
	Holder string
	// Wait bounds how long acquisition may block. Zero fails fast.
	Wait time.Duration
	// RetryInterval is the poll interval while waiting.
	RetryInterval time.Duration
	// LeaseTTL is the heartbeat lease duration for the new lock.
	LeaseTTL time.Duration
}

func (o LockOptions) withDefaults() LockOptions {
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	return o
}

// lockInfo is the persisted form of a held lock.
type lockInfo struct {
	Token      string    `json:"token"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	RenewedAt  time.Time `json:"renewedAt"`
	LeaseTTL   int64     `json:"leaseTtlSeconds"`
}

func (l *lockInfo) expired(now time.Time) bool {
	return now.After(l.RenewedAt.Add(time.Duration(l.LeaseTTL) * time.Second))
}

// Store is the scope-keyed snapshot store. At most one writer holds a
// scope's lock at a time; writes with a token not matching the current
// holder fail atomically with a StaleLock error.
type Store interface {
	// AcquireLock takes the scope's exclusive lock and returns its token.
	// Fails with LockHeld once the bounded wait is exhausted. A lock whose
	// lease expired without renewal is reclaimed.
	AcquireLock(ctx context.Context, scope string, opts LockOptions) (string, error)

	// RenewLock extends the lease of a held lock (the heartbeat).
	RenewLock(ctx context.Context, scope, token string) error

	// ReleaseLock drops the lock. Fails with StaleLock if the token no
	// longer matches the holder.
	ReleaseLock(ctx context.Context, scope, token string) error

	// ReadSnapshot returns the highest committed snapshot version for the
	// scope, or nil if none was ever written.
	ReadSnapshot(ctx context.Context, scope string) (*ir.Snapshot, error)

	// WriteSnapshot appends a new snapshot version. The version must be
	// strictly greater than the latest committed one.
	WriteSnapshot(ctx context.Context, scope string, snap *ir.Snapshot, token string) error
}

// KeepLockAlive renews a held lock on a fixed interval until the context
// ends. Run it in a goroutine for the duration of an apply.
func KeepLockAlive(ctx context.Context, store Store, scope, token string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultLeaseTTL / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.RenewLock(ctx, scope, token); err != nil {
				logging.Warn("lock renewal failed", "scope", scope, "error", err)
				return
			}
		}
	}
}
