package devserver

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/whisper/chat-client/internal/protocol"
)

const (
	// DefaultHistorySize is the number of recent messages replayed to a
	// newly connected client.
	DefaultHistorySize = 100

	messageKeyPrefix = "msg/"
)

// History stores the most recent messages of the single room in a ring
// buffer. Messages are written through to Pebble when a database is given,
// so history survives a restart.
type History struct {
	mu    sync.RWMutex
	items []protocol.Message
	pos   int
	count int
	seq   uint64
	db    *pebble.DB
}

// NewHistory creates a History holding up to size messages and replays the
// newest of them from db, which may be nil.
func NewHistory(size int, db *pebble.DB) (*History, error) {
	if size <= 0 {
		size = DefaultHistorySize
	}
	h := &History{items: make([]protocol.Message, size), db: db}
	if db == nil {
		return h, nil
	}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(messageKeyPrefix),
		UpperBound: []byte(messageKeyPrefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("devserver: iterate history: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var msg protocol.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			continue
		}
		h.push(msg)
		h.seq++
	}
	return h, iter.Error()
}

// Add appends a message. If the buffer is full, the oldest message is
// overwritten.
func (h *History) Add(msg protocol.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.db != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%s%020d", messageKeyPrefix, h.seq))
		if err := h.db.Set(key, data, pebble.NoSync); err != nil {
			return fmt.Errorf("devserver: persist message: %w", err)
		}
	}
	h.seq++
	h.push(msg)
	return nil
}

func (h *History) push(msg protocol.Message) {
	size := len(h.items)
	h.items[h.pos] = msg
	h.pos = (h.pos + 1) % size
	if h.count < size {
		h.count++
	}
}

// All returns the retained messages oldest first. It never returns nil.
func (h *History) All() []protocol.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := len(h.items)
	result := make([]protocol.Message, h.count)
	start := (h.pos - h.count + size) % size
	for i := 0; i < h.count; i++ {
		result[i] = h.items[(start+i)%size]
	}
	return result
}
