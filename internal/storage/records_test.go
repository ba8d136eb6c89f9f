package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyleap/skyid/internal/models"
)

type recordStore interface {
	UserStorage
	ClientStorage
}

func recordBackends() map[string]func(t *testing.T) recordStore {
	return map[string]func(t *testing.T) recordStore{
		"memory": func(t *testing.T) recordStore {
			m := NewMemoryStorage()
			t.Cleanup(func() { _ = m.Close() })
			return m
		},
		"filesystem": func(t *testing.T) recordStore {
			fs, err := NewFilesystemStorage(t.TempDir())
			require.NoError(t, err)
			return fs
		},
		"sqlite": func(t *testing.T) recordStore { return newSQLiteStorage(t) },
	}
}

func TestClientRecords(t *testing.T) {
	for name, newStore := range recordBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			created := time.Now().UTC().Truncate(time.Millisecond)

			first := &models.Client{
				ID:          "11111111-aaaa",
				Secret:      "s3cret",
				OwnerID:     "alice",
				DisplayName: "Demo",
				RedirectURI: "https://ex.com/cb",
				CreatedAt:   created,
			}
			second := &models.Client{
				ID:          "22222222-bbbb",
				Secret:      "other",
				OwnerID:     "alice",
				DisplayName: "Second",
				RedirectURI: "https://two.example/cb",
				CreatedAt:   created.Add(time.Second),
			}
			foreign := &models.Client{
				ID:          "33333333-cccc",
				Secret:      "x",
				OwnerID:     "bob",
				DisplayName: "Bob's",
				RedirectURI: "https://bob.example/cb",
				CreatedAt:   created,
			}
			for _, c := range []*models.Client{second, first, foreign} {
				require.NoError(t, store.CreateClient(ctx, c))
			}

			got, err := store.GetClient(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, first.Secret, got.Secret)
			assert.Equal(t, first.RedirectURI, got.RedirectURI)
			assert.True(t, first.CreatedAt.Equal(got.CreatedAt))

			_, err = store.GetClient(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			dup := *first
			dup.Secret = "changed"
			require.ErrorIs(t, store.CreateClient(ctx, &dup), ErrAlreadyExists)
			got, err = store.GetClient(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, "s3cret", got.Secret, "existing client must not be overwritten")

			owned, err := store.ListClients(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, owned, 2)
			assert.Equal(t, first.ID, owned[0].ID)
			assert.Equal(t, second.ID, owned[1].ID)

			none, err := store.ListClients(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestUserRecords(t *testing.T) {
	for name, newStore := range recordBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			_, err := store.GetUser(ctx, "alice")
			require.ErrorIs(t, err, ErrNotFound)

			user := &models.User{ID: "alice", DisplayName: "Alice"}
			require.NoError(t, store.SaveUser(ctx, user))

			user.DisplayName = "Alice L."
			require.NoError(t, store.SaveUser(ctx, user))

			got, err := store.GetUser(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, "Alice L.", got.DisplayName)
		})
	}
}

func TestFilesystemRejectsPathTraversal(t *testing.T) {
	fs, err := NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.SaveUser(context.Background(), &models.User{ID: "alice"}))

	_, err = fs.GetClient(context.Background(), "../users/alice")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStorage(t *testing.T) {
	backends := map[string]func(t *testing.T) SessionStorage{
		"memory": func(t *testing.T) SessionStorage {
			m := NewMemoryStorage()
			t.Cleanup(func() { _ = m.Close() })
			return m
		},
		"redis": func(t *testing.T) SessionStorage { return newMiniredisStorage(t) },
	}

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			got, err := store.GetSession(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, got)

			sess := &models.Session{
				ID:        "sess-1",
				UserID:    "alice",
				CreatedAt: time.Now(),
				ExpiresAt: time.Now().Add(time.Hour),
			}
			require.NoError(t, store.SaveSession(ctx, sess))

			got, err = store.GetSession(ctx, "sess-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "alice", got.UserID)

			require.NoError(t, store.DeleteSession(ctx, "sess-1"))
			got, err = store.GetSession(ctx, "sess-1")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}
