package workers

import (
	"context"
	"log"
	"time"

	"session-sync/models"
	"session-sync/services"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
)

// HeartbeatWorker keeps the local participant's last_heartbeat fresh. On the
// host it also flips is_connected for peers whose heartbeat went stale or came back.
type HeartbeatWorker struct {
	Client   *services.Client
	Interval time.Duration
	Timeout  time.Duration
	Clock    clockwork.Clock
	Logger   *log.Logger
}

func NewHeartbeatWorker(client *services.Client, interval, timeout time.Duration) *HeartbeatWorker {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &HeartbeatWorker{
		Client:   client,
		Interval: interval,
		Timeout:  timeout,
		Clock:    client.Transport.Clock(),
		Logger:   client.Transport.Logger(),
	}
}

// RunOnce beats once and, on the host, returns how many peers changed presence.
func (w *HeartbeatWorker) RunOnce(ctx context.Context) (int, error) {
	t := w.Client.Transport
	now := w.Clock.Now().UTC()
	if err := t.WritePlayerStateToDB(ctx, models.ParticipantPatch{PlayerID: t.PlayerID(), LastHeartbeat: &now}); err != nil {
		return 0, err
	}
	if !t.IsHost() {
		return 0, nil
	}

	var patches []models.ParticipantPatch
	for _, p := range w.Client.Replica.Players() {
		if p.PlayerID == t.PlayerID() || p.IsBot {
			continue
		}
		stale := now.Sub(p.LastHeartbeat) > w.Timeout
		if stale == p.IsConnected {
			patches = append(patches, models.ParticipantPatch{PlayerID: p.PlayerID, IsConnected: models.Bool(!stale)})
		}
	}
	if len(patches) == 0 {
		return 0, nil
	}
	if err := t.WritePlayerStatesToDB(ctx, patches); err != nil {
		return 0, err
	}
	return len(patches), nil
}

// Run beats on every tick until ctx is cancelled.
func (w *HeartbeatWorker) Run(ctx context.Context) {
	w.Logger.Printf("[HEARTBEAT] Starting heartbeats every %s (timeout %s)", w.Interval, w.Timeout)
	ticker := w.Clock.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Println("[HEARTBEAT] Heartbeats stopped.")
			return
		case <-ticker.Chan():
			n, err := w.RunOnce(ctx)
			if err != nil {
				w.Logger.Printf("[HEARTBEAT] ❌ Heartbeat failed: %v", err)
				continue
			}
			if n > 0 {
				w.Logger.Printf("[HEARTBEAT] 🔌 Presence changed for %d participant(s).", n)
			}
		}
	}
}
