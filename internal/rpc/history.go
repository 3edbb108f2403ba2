package rpc

import (
	"sync"
	"time"

	"github.com/atomic-ehr/fhirpath-lsp2/internal/protocol"
)

// DefaultHistoryCapacity bounds the message-history ring.
const DefaultHistoryCapacity = 100

// Direction marks whether a recorded message was sent or received.
type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

// String returns "out" or "in".
func (d Direction) String() string {
	if d == DirectionOutbound {
		return "out"
	}
	return "in"
}

// HistoryEntry is one recorded message.
type HistoryEntry struct {
	Direction Direction
	Time      time.Time
	Message   *protocol.Message
}

// History is a fixed-capacity ring of recent messages, oldest entries
// evicted first. It is observability only and never load-bearing.
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
	next    int
	full    bool
}

// NewHistory creates a ring with the given capacity. A non-positive
// capacity disables recording.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		return nil
	}
	return &History{entries: make([]HistoryEntry, capacity)}
}

// Record appends one entry, evicting the oldest when full.
func (h *History) Record(dir Direction, msg *protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = HistoryEntry{Direction: dir, Time: time.Now(), Message: msg}
	h.next++
	if h.next == len(h.entries) {
		h.next = 0
		h.full = true
	}
}

// Entries returns a snapshot, oldest first.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		out := make([]HistoryEntry, h.next)
		copy(out, h.entries[:h.next])
		return out
	}
	out := make([]HistoryEntry, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	out = append(out, h.entries[:h.next]...)
	return out
}
