// Package session caches the signed-in identity. Exactly one identity is
// stored, in a single slot, so it survives process restarts; an absent or
// unreadable record simply means nobody is signed in.
package session

import (
	"context"
	"errors"
)

// SlotKey names the single storage slot holding the current identity.
const SlotKey = "current_user"

// ErrNotFound is returned by a Backend when the slot is empty.
var ErrNotFound = errors.New("session: no stored identity")

// Identity is the authenticated user record issued by the auth server.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Valid reports whether the record carries the fields the client relies on.
func (i Identity) Valid() bool {
	return i.ID != "" && i.Username != ""
}

// Backend is durable storage for the single identity slot.
type Backend interface {
	// Read returns the stored record or ErrNotFound.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Delete empties the slot. Deleting an empty slot is not an error.
	Delete(ctx context.Context) error
	Close() error
}
