package memdb

import (
	"context"
	"sync"

	"microplate/gateway/pkg/models"
	"microplate/gateway/pkg/storage"
)

// Ring is a fixed-capacity circular buffer of log entries. Once full, every append overwrites
// the oldest entry.
type Ring struct {
	mu      sync.Mutex
	entries []models.LogEntry
	head    int // next write index
	size    int
}

func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = storage.DefaultMemoryCapacity
	}

	return &Ring{entries: make([]models.LogEntry, capacity)}
}

func (r *Ring) Append(ctx context.Context, e models.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}

	return nil
}

func (r *Ring) All(ctx context.Context) ([]models.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.LogEntry, 0, r.size)
	// The oldest entry sits at head once the buffer has wrapped, at 0 before that.
	start := (r.head - r.size + len(r.entries)) % len(r.entries)
	for i := 0; i < r.size; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}

	return out, nil
}

func (r *Ring) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.entries)
	r.head = 0
	r.size = 0

	return nil
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.size
}

func (r *Ring) Cap() int {
	return len(r.entries)
}
