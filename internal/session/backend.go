package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/whisper/chat-client/internal/config"
)

// OpenBackend creates the backend selected by cfg.
func OpenBackend(cfg config.SessionConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return NewFileBackend(afero.NewOsFs(), cfg.Dir), nil
	case config.BackendPebble:
		return OpenPebbleBackend(filepath.Join(cfg.Dir, "session.pebble"))
	case config.BackendRedis:
		return NewRedisBackend(cfg.RedisAddr, cfg.RedisKeyPrefix)
	default:
		return nil, fmt.Errorf("session: unknown backend %q", cfg.Backend)
	}
}

// ---------------------------------------------------------------------------
// File
// ---------------------------------------------------------------------------

// FileBackend stores the identity as <dir>/current_user.json.
type FileBackend struct {
	fs   afero.Fs
	dir  string
	path string
}

// NewFileBackend creates a FileBackend rooted at dir on fs.
func NewFileBackend(fs afero.Fs, dir string) *FileBackend {
	return &FileBackend{fs: fs, dir: dir, path: filepath.Join(dir, SlotKey+".json")}
}

// Path returns the record location.
func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Read(_ context.Context) ([]byte, error) {
	data, err := afero.ReadFile(b.fs, b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Write replaces the record atomically via a temp file and rename.
func (b *FileBackend) Write(_ context.Context, data []byte) error {
	if err := b.fs.MkdirAll(b.dir, 0o700); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := afero.WriteFile(b.fs, tmp, data, 0o600); err != nil {
		return err
	}
	return b.fs.Rename(tmp, b.path)
}

func (b *FileBackend) Delete(_ context.Context) error {
	if exists, err := afero.Exists(b.fs, b.path); err != nil || !exists {
		return err
	}
	return b.fs.Remove(b.path)
}

func (b *FileBackend) Close() error { return nil }

// ---------------------------------------------------------------------------
// Pebble
// ---------------------------------------------------------------------------

// PebbleBackend stores the identity under SlotKey in a Pebble database.
type PebbleBackend struct {
	db *pebble.DB
}

// OpenPebbleBackend opens (creating if needed) the database at dir.
func OpenPebbleBackend(dir string) (*PebbleBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
		return nil, fmt.Errorf("session: create pebble dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("session: open pebble db: %w", err)
	}
	return &PebbleBackend{db: db}, nil
}

func (b *PebbleBackend) Read(_ context.Context) ([]byte, error) {
	data, closer, err := b.db.Get([]byte(SlotKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), data...), nil
}

func (b *PebbleBackend) Write(_ context.Context, data []byte) error {
	return b.db.Set([]byte(SlotKey), data, pebble.Sync)
}

func (b *PebbleBackend) Delete(_ context.Context) error {
	return b.db.Delete([]byte(SlotKey), pebble.Sync)
}

func (b *PebbleBackend) Close() error {
	return b.db.Close()
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisBackend stores the identity as a plain string key
// <prefix>current_user. It lets several headless clients on different hosts
// share one signed-in identity.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(addr, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return NewRedisBackendFromClient(client, prefix), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, key: prefix + SlotKey}
}

func (b *RedisBackend) Read(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *RedisBackend) Write(ctx context.Context, data []byte) error {
	return b.client.Set(ctx, b.key, data, 0).Err()
}

func (b *RedisBackend) Delete(ctx context.Context) error {
	return b.client.Del(ctx, b.key).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
