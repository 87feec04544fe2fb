package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/whisper/chat-client/internal/session"
)

const userKeyPrefix = "user/"

var (
	ErrEmailTaken         = errors.New("Email already registered")
	ErrInvalidCredentials = errors.New("Invalid email or password")
)

type userRecord struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Hash     []byte `json:"hash"`
}

func (r userRecord) identity() session.Identity {
	return session.Identity{ID: r.ID, Username: r.Username, Email: r.Email}
}

// UserStore keeps accounts keyed by lowercased email. Records are written
// through to Pebble when a database is given.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]userRecord
	db    *pebble.DB
	cost  int
}

// NewUserStore loads existing accounts from db, which may be nil.
func NewUserStore(db *pebble.DB) (*UserStore, error) {
	s := &UserStore{users: make(map[string]userRecord), db: db, cost: bcrypt.DefaultCost}
	if db == nil {
		return s, nil
	}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(userKeyPrefix),
		UpperBound: []byte(userKeyPrefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("devserver: iterate users: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var rec userRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		s.users[rec.Email] = rec
	}
	return s, iter.Error()
}

// Register creates an account.
func (s *UserStore) Register(username, email, password string) (session.Identity, error) {
	email = normalizeEmail(email)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return session.Identity{}, fmt.Errorf("devserver: hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return session.Identity{}, ErrEmailTaken
	}
	rec := userRecord{
		ID:       uuid.New().String(),
		Username: strings.TrimSpace(username),
		Email:    email,
		Hash:     hash,
	}
	if s.db != nil {
		data, err := json.Marshal(rec)
		if err != nil {
			return session.Identity{}, err
		}
		if err := s.db.Set([]byte(userKeyPrefix+email), data, pebble.Sync); err != nil {
			return session.Identity{}, fmt.Errorf("devserver: persist user: %w", err)
		}
	}
	s.users[email] = rec
	return rec.identity(), nil
}

// Authenticate checks credentials.
func (s *UserStore) Authenticate(email, password string) (session.Identity, error) {
	s.mu.RLock()
	rec, ok := s.users[normalizeEmail(email)]
	s.mu.RUnlock()
	if !ok {
		return session.Identity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(rec.Hash, []byte(password)); err != nil {
		return session.Identity{}, ErrInvalidCredentials
	}
	return rec.identity(), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
