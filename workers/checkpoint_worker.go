package workers

import (
	"context"
	"log"
	"time"

	"session-sync/models"
	"session-sync/services"

	"github.com/jonboulle/clockwork"
)

const DefaultCheckpointInterval = 5 * time.Second

// CheckpointWorker periodically persists the host's view of every
// participant's movement as one batch write.
type CheckpointWorker struct {
	Client   *services.Client
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *log.Logger

	written map[string]models.HistorySnapshot
}

func NewCheckpointWorker(client *services.Client, interval time.Duration) *CheckpointWorker {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return &CheckpointWorker{
		Client:   client,
		Interval: interval,
		Clock:    client.Transport.Clock(),
		Logger:   client.Transport.Logger(),
		written:  make(map[string]models.HistorySnapshot),
	}
}

// RunOnce writes the movement of every participant that moved since the last
// checkpoint. Non-hosts write nothing.
func (w *CheckpointWorker) RunOnce(ctx context.Context) (int, error) {
	if !w.Client.Transport.IsHost() {
		return 0, nil
	}

	var patches []models.ParticipantPatch
	var poses []models.HistorySnapshot
	for _, p := range w.Client.Replica.Players() {
		pose := p.Snapshot(0)
		if last, ok := w.written[p.PlayerID]; ok && last == pose {
			continue
		}
		patches = append(patches, p.Movement())
		poses = append(poses, pose)
	}
	if len(patches) == 0 {
		return 0, nil
	}

	if err := w.Client.Transport.WritePlayerStatesToDB(ctx, patches); err != nil {
		return 0, err
	}
	for i, patch := range patches {
		w.written[patch.PlayerID] = poses[i]
	}
	return len(patches), nil
}

// Run checkpoints on every tick until ctx is cancelled.
func (w *CheckpointWorker) Run(ctx context.Context) {
	w.Logger.Printf("[CHECKPOINT] Starting position checkpoints every %s", w.Interval)
	ticker := w.Clock.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Println("[CHECKPOINT] Position checkpoints stopped.")
			return
		case <-ticker.Chan():
			n, err := w.RunOnce(ctx)
			if err != nil {
				w.Logger.Printf("[CHECKPOINT] ❌ Failed to checkpoint positions: %v", err)
				continue
			}
			if n > 0 {
				w.Logger.Printf("[CHECKPOINT] ✅ Checkpointed %d participant(s).", n)
			}
		}
	}
}
