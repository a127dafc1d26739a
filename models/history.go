// models/history.go
package models

const DefaultHistorySize = 3

// HistorySnapshot is one movement sample used for interpolation.
// Timestamp is unix milliseconds on the receiving client's clock.
type HistorySnapshot struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Rotation  float64 `json:"rotation"`
	VelocityX float64 `json:"velocity_x"`
	VelocityY float64 `json:"velocity_y"`
	Timestamp int64   `json:"timestamp"`
}

// History is a fixed-size ring of snapshots ordered by strictly increasing timestamp.
// The oldest entry is evicted once the ring is full.
type History struct {
	buf   []HistorySnapshot
	head  int // index of the oldest entry
	count int
}

// NewHistory returns an empty ring holding at most size entries.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]HistorySnapshot, size)}
}

func (h *History) Cap() int { return len(h.buf) }

func (h *History) Len() int { return h.count }

// Latest returns the newest snapshot.
func (h *History) Latest() (HistorySnapshot, bool) {
	if h == nil || h.count == 0 {
		return HistorySnapshot{}, false
	}
	return h.buf[h.index(h.count-1)], true
}

// Push appends s. A snapshot with the same timestamp as the newest one replaces
// it; an older one is dropped. Returns false when s was dropped.
func (h *History) Push(s HistorySnapshot) bool {
	if latest, ok := h.Latest(); ok {
		if s.Timestamp < latest.Timestamp {
			return false
		}
		if s.Timestamp == latest.Timestamp {
			h.buf[h.index(h.count-1)] = s
			return true
		}
	}
	if h.count < len(h.buf) {
		h.buf[h.index(h.count)] = s
		h.count++
		return true
	}
	h.buf[h.head] = s
	h.head = (h.head + 1) % len(h.buf)
	return true
}

// Contains reports whether a buffered snapshot holds the same pose as s.
// Timestamps are ignored.
func (h *History) Contains(s HistorySnapshot) bool {
	if h == nil {
		return false
	}
	for i := 0; i < h.count; i++ {
		b := h.buf[h.index(i)]
		if b.X == s.X && b.Y == s.Y && b.Rotation == s.Rotation &&
			b.VelocityX == s.VelocityX && b.VelocityY == s.VelocityY {
			return true
		}
	}
	return false
}

// Snapshots returns the entries oldest first. The slice is a copy.
func (h *History) Snapshots() []HistorySnapshot {
	if h == nil {
		return nil
	}
	out := make([]HistorySnapshot, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[h.index(i)]
	}
	return out
}

func (h *History) index(i int) int {
	return (h.head + i) % len(h.buf)
}
