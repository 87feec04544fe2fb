package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = Identity{ID: "u1", Username: "alice", Email: "alice@example.com"}

func newFileStore(t *testing.T) (*Store, afero.Fs, *FileBackend) {
	t.Helper()
	fs := afero.NewMemMapFs()
	backend := NewFileBackend(fs, "/cfg")
	return NewStore(backend, zerolog.Nop()), fs, backend
}

func TestLoad_Empty(t *testing.T) {
	store, _, _ := newFileStore(t)

	_, ok := store.Load(context.Background())
	assert.False(t, ok)
	_, ok = store.Current()
	assert.False(t, ok)
}

func TestSaveThenLoad_SurvivesRestart(t *testing.T) {
	store, fs, backend := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, alice))
	got, ok := store.Current()
	require.True(t, ok)
	assert.Equal(t, alice, got)

	// A fresh store over the same filesystem sees the saved identity.
	restarted := NewStore(NewFileBackend(fs, "/cfg"), zerolog.Nop())
	got, ok = restarted.Load(ctx)
	require.True(t, ok)
	assert.Equal(t, alice, got)

	exists, err := afero.Exists(fs, backend.Path())
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "/cfg/current_user.json", backend.Path())
}

func TestSave_ReplacesPrevious(t *testing.T) {
	store, fs, _ := newFileStore(t)
	ctx := context.Background()
	bob := Identity{ID: "u2", Username: "bob", Email: "bob@example.com"}

	require.NoError(t, store.Save(ctx, alice))
	require.NoError(t, store.Save(ctx, bob))

	got, ok := NewStore(NewFileBackend(fs, "/cfg"), zerolog.Nop()).Load(ctx)
	require.True(t, ok)
	assert.Equal(t, bob, got)
}

func TestSave_RejectsIncompleteIdentity(t *testing.T) {
	store, _, _ := newFileStore(t)

	err := store.Save(context.Background(), Identity{Email: "x@example.com"})
	assert.Error(t, err)
	_, ok := store.Current()
	assert.False(t, ok)
}

func TestLoad_CorruptedRecordIsDiscarded(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{{{"},
		{"missing id", `{"username":"alice"}`},
		{"wrong shape", `[1,2,3]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, fs, backend := newFileStore(t)
			require.NoError(t, afero.WriteFile(fs, backend.Path(), []byte(tc.data), 0o600))

			_, ok := store.Load(context.Background())
			assert.False(t, ok)

			exists, err := afero.Exists(fs, backend.Path())
			require.NoError(t, err)
			assert.False(t, exists, "corrupted record should be removed")
		})
	}
}

func TestClear_NotifiesListeners(t *testing.T) {
	store, fs, backend := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, alice))

	calls := 0
	store.OnClear(func() { calls++ })
	store.OnClear(func() { calls++ })

	store.Clear(ctx)

	assert.Equal(t, 2, calls)
	_, ok := store.Current()
	assert.False(t, ok)
	exists, err := afero.Exists(fs, backend.Path())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClear_WithoutSession(t *testing.T) {
	store, _, _ := newFileStore(t)
	called := false
	store.OnClear(func() { called = true })

	store.Clear(context.Background())
	assert.True(t, called)
}

type failingBackend struct {
	readErr  error
	writeErr error
	deleted  bool
}

func (f *failingBackend) Read(context.Context) ([]byte, error) { return nil, f.readErr }
func (f *failingBackend) Write(context.Context, []byte) error  { return f.writeErr }
func (f *failingBackend) Delete(context.Context) error         { f.deleted = true; return nil }
func (f *failingBackend) Close() error                         { return nil }

func TestSave_StorageFailureLeavesNoSession(t *testing.T) {
	backend := &failingBackend{writeErr: errors.New("disk full")}
	store := NewStore(backend, zerolog.Nop())

	err := store.Save(context.Background(), alice)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	_, ok := store.Current()
	assert.False(t, ok)
	assert.True(t, backend.deleted)
}

// brokenWrites fails every Write once broken is set.
type brokenWrites struct {
	*FileBackend
	broken bool
}

func (b *brokenWrites) Write(ctx context.Context, data []byte) error {
	if b.broken {
		return errors.New("read-only file system")
	}
	return b.FileBackend.Write(ctx, data)
}

func TestSave_FailureDoesNotReviveOlderIdentity(t *testing.T) {
	fs := afero.NewMemMapFs()
	backend := &brokenWrites{FileBackend: NewFileBackend(fs, "/cfg")}
	store := NewStore(backend, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, alice))
	backend.broken = true
	require.Error(t, store.Save(ctx, Identity{ID: "u2", Username: "bob", Email: "bob@example.com"}))

	restarted := NewStore(NewFileBackend(fs, "/cfg"), zerolog.Nop())
	_, ok := restarted.Load(ctx)
	assert.False(t, ok)
}

func TestLoad_ReadFailureKeepsRecord(t *testing.T) {
	backend := &failingBackend{readErr: errors.New("permission denied")}
	store := NewStore(backend, zerolog.Nop())

	_, ok := store.Load(context.Background())
	assert.False(t, ok)
	assert.False(t, backend.deleted)
}

func TestPebbleBackend(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session.pebble")
	backend, err := OpenPebbleBackend(dir)
	require.NoError(t, err)
	store := NewStore(backend, zerolog.Nop())
	ctx := context.Background()

	_, ok := store.Load(ctx)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, alice))
	require.NoError(t, store.Close())

	backend, err = OpenPebbleBackend(dir)
	require.NoError(t, err)
	store = NewStore(backend, zerolog.Nop())
	defer store.Close()

	got, ok := store.Load(ctx)
	require.True(t, ok)
	assert.Equal(t, alice, got)

	store.Clear(ctx)
	_, ok = store.Load(ctx)
	assert.False(t, ok)
}

func TestRedisBackend(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	backend := NewRedisBackendFromClient(client, "test_whisper_chat:")
	t.Cleanup(func() {
		client.Del(ctx, "test_whisper_chat:"+SlotKey)
		client.Close()
	})

	store := NewStore(backend, zerolog.Nop())
	require.NoError(t, store.Save(ctx, alice))

	raw, err := client.Get(ctx, "test_whisper_chat:current_user").Result()
	require.NoError(t, err)
	assert.Contains(t, raw, `"username":"alice"`)

	got, ok := store.Load(ctx)
	require.True(t, ok)
	assert.Equal(t, alice, got)

	store.Clear(ctx)
	_, ok = store.Load(ctx)
	assert.False(t, ok)
}
