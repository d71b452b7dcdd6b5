// internal/custody/history.go
package custody

import "sync"

// HistoryLog is the append-only, per-batch ordered sequence of lifecycle events.
type HistoryLog struct {
	mu      sync.RWMutex
	entries map[string][]HistoryEntry
}

// NewHistoryLog creates an empty log.
func NewHistoryLog() *HistoryLog {
	return &HistoryLog{entries: make(map[string][]HistoryEntry)}
}

// append adds entry to the end of the batch's history. Existence of the batch
// is checked by the caller.
func (h *HistoryLog) append(batchID string, entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[batchID] = append(h.entries[batchID], entry)
}

// Get returns a copy of the batch's entries in append order.
func (h *HistoryLog) Get(batchID string) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	src := h.entries[batchID]
	out := make([]HistoryEntry, len(src))
	copy(out, src)
	return out
}

// Len returns the number of entries recorded for the batch.
func (h *HistoryLog) Len(batchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries[batchID])
}
