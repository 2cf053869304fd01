package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/errors"
	"github.com/stackform-io/stackform/internal/ir"
)

func testSnapshot(version int) *ir.Snapshot {
	snap := ir.NewSnapshot("prod", "lineage-1")
	snap.Version = version
	snap.Records["mem.network.core"] = &ir.Record{
		Type:       "mem.network",
		Name:       "core",
		Handler:    "mem",
		ExternalID: "net-abc123",
		Attrs:      map[string]ir.Value{"cidr": ir.String("10.0.0.0/16")},
	}
	return snap
}

func TestLocalStore_LockLifecycle(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	token, err := store.AcquireLock(ctx, "prod", LockOptions{Holder: "run-1"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// A second acquisition fails fast with the holder's identity.
	_, err = store.AcquireLock(ctx, "prod", LockOptions{Holder: "run-2"})
	require.Error(t, err)
	assert.Equal(t, errors.KindLockHeld, errors.KindOf(err))
	assert.Contains(t, err.Error(), "run-1")

	// Locks are scoped: another scope is unaffected.
	other, err := store.AcquireLock(ctx, "staging", LockOptions{Holder: "run-2"})
	require.NoError(t, err)
	require.NoError(t, store.ReleaseLock(ctx, "staging", other))

	require.NoError(t, store.RenewLock(ctx, "prod", token))
	require.NoError(t, store.ReleaseLock(ctx, "prod", token))

	// Released: a new holder can acquire.
	_, err = store.AcquireLock(ctx, "prod", LockOptions{Holder: "run-2"})
	require.NoError(t, err)
}

func TestLocalStore_BoundedWaitAcquiresAfterRelease(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	token, err := store.AcquireLock(ctx, "prod", LockOptions{Holder: "run-1"})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.ReleaseLock(ctx, "prod", token)
	}()

	got, err := store.AcquireLock(ctx, "prod", LockOptions{
		Holder:        "run-2",
		Wait:          5 * time.Second,
		RetryInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.NotEqual(t, token, got)
}

func TestLocalStore_ExpiredLeaseIsReclaimed(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	stale, err := store.AcquireLock(ctx, "prod", LockOptions{Holder: "crashed-run", LeaseTTL: time.Second})
	require.NoError(t, err)

	// Age the lock past its lease instead of sleeping.
	lockPath := filepath.Join(store.dir, "prod", "lock.json")
	raw, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	var info lockInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	info.RenewedAt = time.Now().Add(-time.Hour)
	aged, err := json.Marshal(&info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(lockPath, aged, 0o644))

	token, err := store.AcquireLock(ctx, "prod", LockOptions{Holder: "run-2"})
	require.NoError(t, err)
	assert.NotEqual(t, stale, token)

	// The crashed holder's token is dead.
	err = store.RenewLock(ctx, "prod", stale)
	require.Error(t, err)
	assert.Equal(t, errors.KindStaleLock, errors.KindOf(err))
}

func TestLocalStore_ExpiredLockHasSingleTakeoverWinner(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	_, err := store.AcquireLock(ctx, "prod", LockOptions{Holder: "crashed-run"})
	require.NoError(t, err)

	// Age the lock past its lease.
	lockPath := filepath.Join(store.dir, "prod", "lock.json")
	raw, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	var info lockInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	info.RenewedAt = time.Now().Add(-time.Hour)
	aged, err := json.Marshal(&info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(lockPath, aged, 0o644))

	// Many waiters race to break the same expired lock; exactly one may win.
	const waiters = 8
	tokens := make(chan string, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			token, err := store.AcquireLock(ctx, "prod", LockOptions{Holder: fmt.Sprintf("run-%d", n)})
			if err == nil {
				tokens <- token
			}
		}(i)
	}
	wg.Wait()
	close(tokens)

	var won []string
	for token := range tokens {
		won = append(won, token)
	}
	require.Len(t, won, 1)

	// The winner's token is the one on disk, and it can write.
	current, err := store.readLock("prod")
	require.NoError(t, err)
	assert.Equal(t, won[0], current.Token)
	require.NoError(t, store.WriteSnapshot(ctx, "prod", testSnapshot(1), won[0]))

	// No stray takeover artifacts remain alongside the lock.
	entries, err := os.ReadDir(filepath.Join(store.dir, "prod"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".stale-")
	}
}

func TestLocalStore_WriteRejectsWrongToken(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	token, err := store.AcquireLock(ctx, "prod", LockOptions{Holder: "run-1"})
	require.NoError(t, err)
	defer store.ReleaseLock(ctx, "prod", token)

	err = store.WriteSnapshot(ctx, "prod", testSnapshot(1), "bogus-token")
	require.Error(t, err)
	assert.Equal(t, errors.KindStaleLock, errors.KindOf(err))

	// No version was committed by the rejected write.
	snap, err := store.ReadSnapshot(ctx, "prod")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLocalStore_VersionsAreAppendOnlyAndMonotonic(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	token, err := store.AcquireLock(ctx, "prod", LockOptions{Holder: "run-1"})
	require.NoError(t, err)
	defer store.ReleaseLock(ctx, "prod", token)

	require.NoError(t, store.WriteSnapshot(ctx, "prod", testSnapshot(1), token))
	require.NoError(t, store.WriteSnapshot(ctx, "prod", testSnapshot(2), token))

	// Writing at or below the committed version fails.
	err = store.WriteSnapshot(ctx, "prod", testSnapshot(2), token)
	require.Error(t, err)
	assert.Equal(t, errors.KindStateIO, errors.KindOf(err))
	err = store.WriteSnapshot(ctx, "prod", testSnapshot(1), token)
	require.Error(t, err)

	// Reads return the highest committed version.
	snap, err := store.ReadSnapshot(ctx, "prod")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.Version)
	assert.Contains(t, snap.Records, "mem.network.core")

	// Both version files remain on disk.
	entries, err := os.ReadDir(filepath.Join(store.dir, "prod", "versions"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLocalStore_ReadSnapshotEmptyScope(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	snap, err := store.ReadSnapshot(context.Background(), "never-applied")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLocalStore_SnapshotRoundTrip(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	token, err := store.AcquireLock(ctx, "prod", LockOptions{Holder: "run-1"})
	require.NoError(t, err)
	defer store.ReleaseLock(ctx, "prod", token)

	original := testSnapshot(1)
	original.Records["mem.instance.web"] = &ir.Record{
		Type:       "mem.instance",
		Name:       "web",
		Handler:    "mem",
		ExternalID: "inst-xyz",
		Attrs: map[string]ir.Value{
			"network_id": ir.RefTo("mem.network.core", "id"),
			"public":     ir.Bool(true),
			"count":      ir.Number(2),
		},
		Dependencies: []string{"mem.network.core"},
	}
	require.NoError(t, store.WriteSnapshot(ctx, "prod", original, token))

	got, err := store.ReadSnapshot(ctx, "prod")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, original.Lineage, got.Lineage)

	rec := got.Records["mem.instance.web"]
	require.NotNil(t, rec)
	assert.Equal(t, ir.RefTo("mem.network.core", "id"), rec.Attrs["network_id"])
	assert.Equal(t, ir.Bool(true), rec.Attrs["public"])
	assert.Equal(t, ir.Number(2), rec.Attrs["count"])
	assert.Equal(t, []string{"mem.network.core"}, rec.Dependencies)
}

func TestKeepLockAlive_RenewsUntilCancelled(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token, err := store.AcquireLock(ctx, "prod", LockOptions{Holder: "run-1"})
	require.NoError(t, err)
	defer store.ReleaseLock(context.Background(), "prod", token)

	before, err := store.readLock("prod")
	require.NoError(t, err)

	go KeepLockAlive(ctx, store, "prod", token, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		after, err := store.readLock("prod")
		return err == nil && after.RenewedAt.After(before.RenewedAt)
	}, 5*time.Second, 10*time.Millisecond)
}
