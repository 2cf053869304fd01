package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/stackform-io/stackform/internal/errors"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LocalStore keeps snapshots and locks on the local filesystem, one
// directory per scope:
//
//	<dir>/<scope>/lock.json
//	<dir>/<scope>/versions/00000001.json
//
// Snapshot files are never rewritten; each commit appends the next version.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

func (s *LocalStore) scopeDir(scope string) string {
	return filepath.Join(s.dir, scope)
}

func (s *LocalStore) lockPath(scope string) string {
	return filepath.Join(s.scopeDir(scope), "lock.json")
}

func (s *LocalStore) versionsDir(scope string) string {
	return filepath.Join(s.scopeDir(scope), "versions")
}

func versionFile(version int) string {
	return fmt.Sprintf("%08d.json", version)
}

// AcquireLock implements Store.
func (s *LocalStore) AcquireLock(ctx context.Context, scope string, opts LockOptions) (string, error) {
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.Wait)

	for {
		token, err := s.tryLock(scope, opts)
		if err == nil {
			return token, nil
		}
		if !errors.IsKind(err, errors.KindLockHeld) {
			return "", err
		}
		if opts.Wait <= 0 || time.Now().After(deadline) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", errors.Wrap(ctx.Err(), errors.KindLockHeld, "lock wait cancelled")
		case <-time.After(opts.RetryInterval):
		}
	}
}

func (s *LocalStore) tryLock(scope string, opts LockOptions) (string, error) {
	lockPath := s.lockPath(scope)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return "", errors.Wrap(err, errors.KindStateIO, "creating lock directory")
	}

	if current, err := s.readLock(scope); err == nil {
		if !current.expired(time.Now()) {
			return "", errors.Newf(errors.KindLockHeld,
				"scope %s is locked by %s since %s", scope, current.Holder,
				current.AcquiredAt.Format(time.RFC3339))
		}
		// Lease expired without renewal: the holder is gone, break the lock.
		logging.Warn("breaking expired lock", "scope", scope, "holder", current.Holder)
		if err := s.breakLock(scope, current.Token); err != nil {
			return "", err
		}
	}

	now := time.Now().UTC()
	info := &lockInfo{
		Token:      uuid.New().String(),
		Holder:     opts.Holder,
		AcquiredAt: now,
		RenewedAt:  now,
		LeaseTTL:   int64(opts.LeaseTTL / time.Second),
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return "", errors.Wrap(err, errors.KindStateIO, "encoding lock")
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", errors.Newf(errors.KindLockHeld, "scope %s is locked", scope)
		}
		return "", errors.Wrap(err, errors.KindStateIO, "creating lock file")
	}
	defer f.Close()

	if _, err := f.Write(payload); err != nil {
		os.Remove(lockPath)
		return "", errors.Wrap(err, errors.KindStateIO, "writing lock file")
	}
	return info.Token, nil
}

// breakLock removes an expired lock identified by its token. The lock file
// is renamed aside first, which is atomic, so only one waiter wins the
// takeover; the renamed copy is then re-checked against the observed token
// in case the lock changed hands between observation and rename.
func (s *LocalStore) breakLock(scope, token string) error {
	lockPath := s.lockPath(scope)
	stale := fmt.Sprintf("%s.stale-%s", lockPath, uuid.New().String())

	if err := os.Rename(lockPath, stale); err != nil {
		if os.IsNotExist(err) {
			// Another waiter broke it first.
			return nil
		}
		return errors.Wrap(err, errors.KindStateIO, "breaking expired lock")
	}

	raw, err := os.ReadFile(stale)
	if err != nil {
		os.Remove(stale)
		return nil
	}
	var info lockInfo
	if err := json.Unmarshal(raw, &info); err != nil || info.Token == token {
		os.Remove(stale)
		return nil
	}

	// The file we renamed is not the lock we observed expire: a new holder
	// acquired in between. Put it back, unless yet another lock already
	// landed (link, unlike rename, never clobbers an existing file).
	_ = os.Link(stale, lockPath)
	os.Remove(stale)
	return errors.Newf(errors.KindLockHeld, "scope %s is locked", scope)
}

func (s *LocalStore) readLock(scope string) (*lockInfo, error) {
	raw, err := os.ReadFile(s.lockPath(scope))
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RenewLock implements Store.
func (s *LocalStore) RenewLock(ctx context.Context, scope, token string) error {
	current, err := s.readLock(scope)
	if err != nil {
		return errors.Newf(errors.KindStaleLock, "scope %s has no active lock", scope)
	}
	if current.Token != token {
		return errors.Newf(errors.KindStaleLock, "lock for scope %s is held by another run", scope)
	}

	current.RenewedAt = time.Now().UTC()
	payload, err := json.Marshal(current)
	if err != nil {
		return errors.Wrap(err, errors.KindStateIO, "encoding lock")
	}
	return s.atomicWrite(s.lockPath(scope), payload)
}

// ReleaseLock implements Store.
func (s *LocalStore) ReleaseLock(ctx context.Context, scope, token string) error {
	current, err := s.readLock(scope)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.KindStateIO, "reading lock file")
	}
	if current.Token != token {
		return errors.Newf(errors.KindStaleLock, "lock for scope %s is held by another run", scope)
	}
	if err := os.Remove(s.lockPath(scope)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.KindStateIO, "removing lock file")
	}
	return nil
}

// ReadSnapshot implements Store.
func (s *LocalStore) ReadSnapshot(ctx context.Context, scope string) (*ir.Snapshot, error) {
	latest, err := s.latestVersion(scope)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, nil
	}

	raw, err := os.ReadFile(filepath.Join(s.versionsDir(scope), versionFile(latest)))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStateIO, "reading snapshot")
	}
	return decodeSnapshot(raw)
}

// WriteSnapshot implements Store.
func (s *LocalStore) WriteSnapshot(ctx context.Context, scope string, snap *ir.Snapshot, token string) error {
	current, err := s.readLock(scope)
	if err != nil || current.Token != token {
		return errors.Newf(errors.KindStaleLock,
			"write to scope %s rejected: lock token does not match current holder", scope)
	}
	if current.expired(time.Now()) {
		return errors.Newf(errors.KindStaleLock, "lock lease for scope %s expired", scope)
	}

	latest, err := s.latestVersion(scope)
	if err != nil {
		return err
	}
	if snap.Version <= latest {
		return errors.Newf(errors.KindStateIO,
			"snapshot version %d is not greater than committed version %d", snap.Version, latest)
	}

	payload, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	dir := s.versionsDir(scope)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.KindStateIO, "creating versions directory")
	}
	return s.atomicWrite(filepath.Join(dir, versionFile(snap.Version)), payload)
}

func (s *LocalStore) latestVersion(scope string) (int, error) {
	entries, err := os.ReadDir(s.versionsDir(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.KindStateIO, "listing snapshot versions")
	}

	versions := make([]int, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		if v, err := strconv.Atoi(name); err == nil {
			versions = append(versions, v)
		}
	}
	if len(versions) == 0 {
		return 0, nil
	}
	sort.Ints(versions)
	return versions[len(versions)-1], nil
}

// atomicWrite writes via a temp file and rename so readers never observe a
// partial file.
func (s *LocalStore) atomicWrite(path string, payload []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, errors.KindStateIO, "writing temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.KindStateIO, "committing file")
	}
	return nil
}

func encodeSnapshot(snap *ir.Snapshot) ([]byte, error) {
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStateIO, "encoding snapshot")
	}
	return EncryptSnapshot(payload)
}

func decodeSnapshot(raw []byte) (*ir.Snapshot, error) {
	plain, err := DecryptSnapshot(raw)
	if err != nil {
		return nil, err
	}
	var snap ir.Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return nil, errors.Wrap(err, errors.KindStateIO, "decoding snapshot")
	}
	if snap.Records == nil {
		snap.Records = make(map[string]*ir.Record)
	}
	return &snap, nil
}
