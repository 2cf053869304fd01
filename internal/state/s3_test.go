package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/errors"
)

func TestNewS3Store_RequiresBucketAndLockTable(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{LockTable: "locks"})
	require.Error(t, err)
	assert.Equal(t, errors.KindConfig, errors.KindOf(err))
	assert.Contains(t, err.Error(), "bucket")

	_, err = NewS3Store(context.Background(), S3Config{Bucket: "snapshots"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock table")
}

func TestNewS3Store_Defaults(t *testing.T) {
	store, err := NewS3Store(context.Background(), S3Config{Bucket: "snapshots", LockTable: "locks"})
	if err != nil {
		// AWS config load can fail in environments without credentials.
		t.Skipf("skipping S3 store test (no AWS config): %v", err)
	}

	assert.Equal(t, "us-east-1", store.cfg.Region)
	assert.Equal(t, "stackform", store.cfg.Prefix)
	assert.Equal(t, "stackform/prod", store.lockID("prod"))
	assert.Equal(t, "stackform/prod/versions/", store.versionPrefix("prod"))
}
