package miner

// DefaultHistorySize bounds the claim history.
const DefaultHistorySize = 50

// History is a fixed-capacity ring of resolved claims; the oldest entry is evicted first.
type History struct {
	buf   []HistoryEntry
	start int
	n     int
}

// NewHistory creates a ring holding at most capacity entries.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]HistoryEntry, capacity)}
}

// Append adds an entry, evicting the oldest when full.
func (h *History) Append(e HistoryEntry) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = e
		h.n++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

// Entries returns a copy, oldest first.
func (h *History) Entries() []HistoryEntry {
	out := make([]HistoryEntry, h.n)
	for i := range h.n {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of entries held.
func (h *History) Len() int { return h.n }

// Reset replaces the contents with entries, keeping only the newest that fit.
func (h *History) Reset(entries []HistoryEntry) {
	h.start, h.n = 0, 0
	clear(h.buf)
	if len(entries) > len(h.buf) {
		entries = entries[len(entries)-len(h.buf):]
	}
	for _, e := range entries {
		h.Append(e)
	}
}
