package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyleap/skyid/internal/models"
)

func TestObjectKey(t *testing.T) {
	key, err := objectKey("clients", "demo-app")
	require.NoError(t, err)
	assert.Equal(t, "clients/demo-app.json", key)

	for _, id := range []string{"", ".", "..", "../users/alice", `a\b`, "a/b"} {
		_, err := objectKey("clients", id)
		assert.Error(t, err, "id %q", id)
	}
}

// Invalid ids are rejected before any request reaches the endpoint.
func TestS3RejectsPathTraversal(t *testing.T) {
	s, err := NewS3Storage("127.0.0.1:1", "key", "secret", "bucket", false)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.GetClient(ctx, "../users/alice")
	require.ErrorIs(t, err, ErrNotFound)

	err = s.CreateClient(ctx, &models.Client{ID: ".."})
	require.Error(t, err)

	_, err = s.GetUser(ctx, "a/b")
	require.Error(t, err)
}
