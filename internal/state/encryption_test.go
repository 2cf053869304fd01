package state

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/errors"
)

func TestEncryptSnapshot_PassthroughWithoutKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")

	content := []byte(`{"version": 1}`)
	out, err := EncryptSnapshot(content)
	require.NoError(t, err)
	assert.Equal(t, content, out)
	assert.False(t, IsEncrypted(out))
}

func TestEncryptSnapshot_RoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "correct horse battery staple")

	content := []byte(`{"version": 1, "records": {}}`)
	sealed, err := EncryptSnapshot(content)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(sealed))
	assert.NotContains(t, string(sealed), "records")

	plain, err := DecryptSnapshot(sealed)
	require.NoError(t, err)
	assert.Equal(t, content, plain)
}

func TestDecryptSnapshot_WrongKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "original key")
	sealed, err := EncryptSnapshot([]byte(`{"version": 1}`))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "different key")
	_, err = DecryptSnapshot(sealed)
	require.Error(t, err)
	assert.Equal(t, errors.KindStateIO, errors.KindOf(err))
}

func TestDecryptSnapshot_MissingKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "original key")
	sealed, err := EncryptSnapshot([]byte(`{"version": 1}`))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "")
	os.Unsetenv(EncryptionKeyEnvVar)
	_, err = DecryptSnapshot(sealed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EncryptionKeyEnvVar)
}

func TestLocalStore_EncryptedSnapshotOnDisk(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "correct horse battery staple")

	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	token, err := store.AcquireLock(ctx, "prod", LockOptions{Holder: "run-1"})
	require.NoError(t, err)
	defer store.ReleaseLock(ctx, "prod", token)

	require.NoError(t, store.WriteSnapshot(ctx, "prod", testSnapshot(1), token))

	// The file on disk leaks nothing.
	raw, err := os.ReadFile(store.dir + "/prod/versions/00000001.json")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))
	assert.NotContains(t, string(raw), "net-abc123")

	// Reads transparently decrypt.
	snap, err := store.ReadSnapshot(ctx, "prod")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "net-abc123", snap.Records["mem.network.core"].ExternalID)
}
