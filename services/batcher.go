package services

import (
	"sync"

	"session-sync/models"
)

// TickBatcher buffers per-player updates between host ticks. Updates for the
// same player merge field by field, latest wins.
type TickBatcher struct {
	mu      sync.Mutex
	pending map[string]models.ParticipantPatch
	order   []string
}

func NewTickBatcher() *TickBatcher {
	return &TickBatcher{pending: make(map[string]models.ParticipantPatch)}
}

func (b *TickBatcher) Add(patch models.ParticipantPatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.pending[patch.PlayerID]; ok {
		b.pending[patch.PlayerID] = prev.Merge(patch)
		return
	}
	b.pending[patch.PlayerID] = patch
	b.order = append(b.order, patch.PlayerID)
}

// Drain returns the buffered updates in first-seen order and clears the buffer.
func (b *TickBatcher) Drain() []models.ParticipantPatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.order) == 0 {
		return nil
	}
	out := make([]models.ParticipantPatch, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.pending[id])
	}
	b.pending = make(map[string]models.ParticipantPatch)
	b.order = b.order[:0]
	return out
}

func (b *TickBatcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}
