// Package history keeps the ordered message log of one chat session.
package history

import (
	"sync"
	"time"

	"github.com/ashureev/agentic-squad/internal/domain"
)

// History is an append-only, session-scoped message log.
type History struct {
	mu      sync.RWMutex
	entries []domain.HistoryEntry
}

// New creates an empty history.
func New() *History {
	return &History{}
}

// Append records a message and returns the stored entry.
func (h *History) Append(role, content string) domain.HistoryEntry {
	entry := domain.HistoryEntry{
		Role:      role,
		Content:   content,
		Kind:      domain.KindForRole(role),
		Timestamp: time.Now(),
	}

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	h.mu.Unlock()

	return entry
}

// Recent returns a copy of the last n entries in insertion order.
func (h *History) Recent(n int) []domain.HistoryEntry {
	if n <= 0 {
		return []domain.HistoryEntry{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	start := 0
	if n < len(h.entries) {
		start = len(h.entries) - n
	}
	out := make([]domain.HistoryEntry, len(h.entries)-start)
	copy(out, h.entries[start:])
	return out
}

// All returns a copy of every entry.
func (h *History) All() []domain.HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]domain.HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Clear empties the log.
func (h *History) Clear() {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}
