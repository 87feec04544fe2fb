package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Store holds the current identity and mirrors it to a Backend. It is owned
// by a single goroutine (the client event loop, or a one-shot CLI command)
// and is not safe for concurrent use.
type Store struct {
	backend Backend
	current *Identity
	onClear []func()
	log     zerolog.Logger
}

// NewStore creates a Store on top of backend. Call Load to pick up an
// identity persisted by a previous run.
func NewStore(backend Backend, logger zerolog.Logger) *Store {
	return &Store{backend: backend, log: logger}
}

// Load reads the persisted identity. An absent record, a read failure or a
// corrupted record all result in no session; a corrupted record is deleted
// so it is not read again.
func (s *Store) Load(ctx context.Context) (Identity, bool) {
	s.current = nil

	data, err := s.backend.Read(ctx)
	if errors.Is(err, ErrNotFound) {
		s.log.Debug().Msg("[session] no stored identity")
		return Identity{}, false
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("[session] read failed, continuing signed out")
		return Identity{}, false
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil || !id.Valid() {
		s.log.Warn().Err(err).Msg("[session] discarding corrupted identity record")
		if err := s.backend.Delete(ctx); err != nil {
			s.log.Warn().Err(err).Msg("[session] failed to delete corrupted record")
		}
		return Identity{}, false
	}

	s.current = &id
	s.log.Info().Str("user", id.Username).Msg("[session] restored identity")
	return id, true
}

// Save persists id and makes it the current identity, replacing any previous
// one. If the record cannot be written the store is left signed out, the
// previous record is deleted so a restart does not revive it, and the error
// is returned for display.
func (s *Store) Save(ctx context.Context, id Identity) error {
	if !id.Valid() {
		s.current = nil
		return fmt.Errorf("session: identity without id or username")
	}
	data, err := json.Marshal(id)
	if err != nil {
		s.current = nil
		return fmt.Errorf("session: marshal identity: %w", err)
	}
	if err := s.backend.Write(ctx, data); err != nil {
		s.current = nil
		if derr := s.backend.Delete(ctx); derr != nil {
			s.log.Warn().Err(derr).Msg("[session] failed to delete previous record")
		}
		return fmt.Errorf("session: persist identity: %w", err)
	}
	s.current = &id
	s.log.Info().Str("user", id.Username).Msg("[session] saved identity")
	return nil
}

// Clear removes the persisted identity and notifies every OnClear listener.
// Storage errors are logged; the in-memory session is dropped regardless.
func (s *Store) Clear(ctx context.Context) {
	if err := s.backend.Delete(ctx); err != nil {
		s.log.Warn().Err(err).Msg("[session] delete failed")
	}
	s.current = nil
	s.log.Info().Msg("[session] cleared")
	for _, fn := range s.onClear {
		fn()
	}
}

// Current returns the active identity, if any.
func (s *Store) Current() (Identity, bool) {
	if s.current == nil {
		return Identity{}, false
	}
	return *s.current, true
}

// OnClear registers fn to run after every Clear.
func (s *Store) OnClear(fn func()) {
	s.onClear = append(s.onClear, fn)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
