package workers

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"session-sync/backend"
	"session-sync/models"
	"session-sync/services"

	"github.com/jonboulle/clockwork"
)

type fixture struct {
	reg   *services.Registry
	store *backend.GormStore
	clock *clockwork.FakeClock
	host  *services.Client
	guest *services.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := backend.OpenDB("sqlite", filepath.Join(t.TempDir(), "workers.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	logger := log.New(io.Discard, "", 0)
	hub := backend.NewHub()
	store := backend.NewGormStore(db, hub, logger)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))

	reg := services.NewRegistry(store, hub,
		services.TransportOptions{Clock: clock, Logger: logger},
		services.ReplicaOptions{Logger: logger},
	)
	t.Cleanup(reg.Close)

	ctx := context.Background()
	host, err := reg.Create(ctx, "Host")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	guest, err := reg.Join(ctx, host.Transport.Session().JoinCode, "Guest", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	return &fixture{reg: reg, store: store, clock: clock, host: host, guest: guest}
}

func TestCheckpointWritesHostView(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	guestID := f.guest.PlayerID()
	sessionID := f.host.Transport.Session().ID

	if err := f.host.Transport.BroadcastPlayerStateUpdate(ctx, models.ParticipantPatch{
		PlayerID: guestID, PositionX: models.Float(30), PositionY: models.Float(40),
	}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	w := NewCheckpointWorker(f.host, time.Second)
	n, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if n != 2 {
		t.Fatalf("first checkpoint should cover both players, wrote %d", n)
	}
	row, err := f.store.GetParticipant(ctx, sessionID, guestID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.PositionX != 30 || row.PositionY != 40 {
		t.Fatalf("checkpoint not persisted: %+v", row)
	}

	if n, err := w.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("unchanged positions should not be rewritten: n=%d err=%v", n, err)
	}
	if p, _ := f.guest.Replica.GetPlayer(guestID); p.PositionX != 30 {
		t.Fatalf("guest replica lost its position after the checkpoint: %+v", p)
	}
}

func TestCheckpointSkipsNonHost(t *testing.T) {
	f := newFixture(t)
	n, err := NewCheckpointWorker(f.guest, 0).RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("guest checkpoint should be a no-op: n=%d err=%v", n, err)
	}
}

func TestHeartbeatMarksStalePeers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	guestID := f.guest.PlayerID()
	sessionID := f.host.Transport.Session().ID

	hostBeat := NewHeartbeatWorker(f.host, time.Second, 30*time.Second)
	guestBeat := NewHeartbeatWorker(f.guest, time.Second, 30*time.Second)

	if n, err := hostBeat.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("fresh peers should not change: n=%d err=%v", n, err)
	}

	f.clock.Advance(31 * time.Second)
	n, err := hostBeat.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected the silent guest to be marked, n=%d err=%v", n, err)
	}
	row, _ := f.store.GetParticipant(ctx, sessionID, guestID)
	if row.IsConnected {
		t.Fatal("stale guest should be disconnected in the store")
	}
	if p, _ := f.guest.Replica.GetPlayer(guestID); p.IsConnected {
		t.Fatal("replicas should see the presence change")
	}
	host, _ := f.store.GetParticipant(ctx, sessionID, f.host.PlayerID())
	if !host.IsConnected || !host.LastHeartbeat.Equal(f.clock.Now().UTC()) {
		t.Fatalf("host heartbeat not written: %+v", host)
	}

	if _, err := guestBeat.RunOnce(ctx); err != nil {
		t.Fatalf("guest beat: %v", err)
	}
	if n, err := hostBeat.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("returning guest should be reconnected, n=%d err=%v", n, err)
	}
	if row, _ := f.store.GetParticipant(ctx, sessionID, guestID); !row.IsConnected {
		t.Fatal("guest should be connected again")
	}
}

func TestWorkersStopOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { NewCheckpointWorker(f.host, time.Second).Run(ctx); done <- struct{}{} }()
	go func() { NewHeartbeatWorker(f.host, time.Second, 0).Run(ctx); done <- struct{}{} }()
	cancel()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestScheduleStartsWorkersPerClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sessionID := f.host.Transport.Session().ID
	f.reg.OnAttach(Schedule{Checkpoint: time.Second, Heartbeat: time.Second, HeartbeatTimeout: time.Minute}.StartForClient)

	late, err := f.reg.Join(ctx, f.host.Transport.Session().JoinCode, "Late", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	joinedAt := f.clock.Now()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.clock.Advance(time.Second)
		row, err := f.store.GetParticipant(ctx, sessionID, late.PlayerID())
		if err == nil && row.LastHeartbeat.After(joinedAt) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("attached heartbeat worker never wrote")
}
