package workers

import (
	"time"

	"session-sync/services"
)

// Schedule sets the intervals of the per-client background workers.
type Schedule struct {
	Checkpoint       time.Duration
	Heartbeat        time.Duration
	HeartbeatTimeout time.Duration
}

// StartForClient runs the checkpoint and heartbeat workers for c until the
// client leaves or is removed. It fits services.Registry.OnAttach.
func (s Schedule) StartForClient(c *services.Client) {
	go NewCheckpointWorker(c, s.Checkpoint).Run(c.Context())
	go NewHeartbeatWorker(c, s.Heartbeat, s.HeartbeatTimeout).Run(c.Context())
}
