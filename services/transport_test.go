package services

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"session-sync/backend"
	"session-sync/models"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

type testBackend struct {
	db    *gorm.DB
	store *backend.GormStore
	hub   *backend.Hub
	clock *clockwork.FakeClock
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	db, err := backend.OpenDB("sqlite", filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	hub := backend.NewHub()
	return &testBackend{
		db:    db,
		store: backend.NewGormStore(db, hub, quietLogger()),
		hub:   hub,
		clock: clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)),
	}
}

func (b *testBackend) transport(t *testing.T, playerID string) *Transport {
	t.Helper()
	tr := NewTransport(b.store, b.hub, TransportOptions{
		PlayerID: playerID,
		Clock:    b.clock,
		Logger:   quietLogger(),
	})
	t.Cleanup(tr.Disconnect)
	return tr
}

func (b *testBackend) host(t *testing.T) (*Transport, *models.Session) {
	t.Helper()
	host := b.transport(t, "host")
	session, _, err := host.CreateSession(context.Background(), "Host")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return host, session
}

func (b *testBackend) join(t *testing.T, playerID, code string) *Transport {
	t.Helper()
	tr := b.transport(t, playerID)
	if _, _, err := tr.JoinSession(context.Background(), code, playerID); err != nil {
		t.Fatalf("join %s: %v", playerID, err)
	}
	return tr
}

func collectStateUpdates(t *testing.T, tr *Transport) *[]models.StateUpdateMessage {
	t.Helper()
	var msgs []models.StateUpdateMessage
	sub := tr.OnMessage(models.MessagePlayerStateUpdate, func(env models.Envelope) {
		msg, err := models.DecodeStateUpdate(env)
		if err != nil {
			t.Errorf("decode state update: %v", err)
			return
		}
		msgs = append(msgs, msg)
	})
	t.Cleanup(sub.Unsubscribe)
	return &msgs
}

func TestCreateSession(t *testing.T) {
	b := newTestBackend(t)
	host, session := b.host(t)

	if len(session.JoinCode) != JoinCodeLength || !ValidJoinCode(session.JoinCode) {
		t.Fatalf("unexpected join code %q", session.JoinCode)
	}
	if session.Status != models.SessionStatusLobby {
		t.Fatalf("expected lobby, got %s", session.Status)
	}
	if session.ChannelName != ChannelName(session.JoinCode) {
		t.Fatalf("channel %q not derived from code %q", session.ChannelName, session.JoinCode)
	}
	if !host.IsHost() || !host.Connected() {
		t.Fatal("creator should be a connected host")
	}
	if n := b.hub.SubscriberCount(session.ChannelName); n != 1 {
		t.Fatalf("expected 1 channel subscriber, got %d", n)
	}
	row, err := b.store.GetParticipant(context.Background(), session.ID, "host")
	if err != nil {
		t.Fatalf("host row: %v", err)
	}
	if !row.IsHost || row.Health != models.DefaultHealth {
		t.Fatalf("unexpected host row %+v", row)
	}
}

func TestTransportWithoutBackend(t *testing.T) {
	tr := NewTransport(nil, nil, TransportOptions{Logger: quietLogger()})
	if _, _, err := tr.CreateSession(context.Background(), "x"); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if _, _, err := tr.JoinSession(context.Background(), "ABCDEF", "x"); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestJoinSessionErrors(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host, session := b.host(t)

	if _, _, err := b.transport(t, "p1").JoinSession(ctx, "ZZZZZZ", "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// lowercase codes resolve too
	joined := b.transport(t, "p2")
	if _, _, err := joined.JoinSession(ctx, " "+strings.ToLower(session.JoinCode)+" ", "p2"); err != nil {
		t.Fatalf("join with lowercase code: %v", err)
	}
	if joined.IsHost() {
		t.Fatal("joiner must not be host")
	}

	if err := host.StartSession(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := b.transport(t, "p3").JoinSession(ctx, session.JoinCode, "p3"); !errors.Is(err, ErrNotJoinable) {
		t.Fatalf("expected ErrNotJoinable, got %v", err)
	}
}

func TestJoinSessionFull(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host := NewTransport(b.store, b.hub, TransportOptions{PlayerID: "host", Capacity: 2, Clock: b.clock, Logger: quietLogger()})
	t.Cleanup(host.Disconnect)
	session, _, err := host.CreateSession(ctx, "Host")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b.join(t, "p1", session.JoinCode)

	_, _, err = b.transport(t, "p2").JoinSession(ctx, session.JoinCode, "p2")
	if !errors.Is(err, ErrSessionFull) || !errors.Is(err, ErrNotJoinable) {
		t.Fatalf("expected ErrSessionFull, got %v", err)
	}
	if n := b.hub.SubscriberCount(session.ChannelName); n != 2 {
		t.Fatalf("failed join left a subscription behind: %d subscribers", n)
	}

	// an existing member may still reconnect
	if _, _, err := b.transport(t, "p1").JoinSession(ctx, session.JoinCode, "p1"); err != nil {
		t.Fatalf("reconnect to full session: %v", err)
	}
}

func TestJoinSessionRecoversMembership(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	_, session := b.host(t)

	first := b.join(t, "p1", session.JoinCode)
	before := first.Participant()
	first.Disconnect()
	if _, err := b.store.UpdateParticipant(ctx, session.ID, models.ParticipantPatch{PlayerID: "p1", IsConnected: models.Bool(false)}); err != nil {
		t.Fatalf("mark disconnected: %v", err)
	}

	again := b.transport(t, "p1")
	_, p, err := again.JoinSession(ctx, session.JoinCode, "p1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if p.ID != before.ID {
		t.Fatalf("expected existing row %s, got %s", before.ID, p.ID)
	}
	if !p.IsConnected {
		t.Fatal("rejoined participant should be connected")
	}
	if n, _ := b.store.CountParticipants(ctx, session.ID); n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
}

// refusingBroker fails every subscription.
type refusingBroker struct {
	backend.Broker
}

func (refusingBroker) Subscribe(topic string, h backend.Handler) (backend.Subscription, error) {
	return nil, errors.New("subscribe refused")
}

func TestJoinSessionRollsBackWhenChannelFails(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host, session := b.host(t)

	tr := NewTransport(b.store, refusingBroker{Broker: b.hub}, TransportOptions{PlayerID: "p1", Clock: b.clock, Logger: quietLogger()})
	t.Cleanup(tr.Disconnect)
	if _, _, err := tr.JoinSession(ctx, session.JoinCode, "p1"); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if _, err := b.store.GetParticipant(ctx, session.ID, "p1"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("half-joined row left behind: %v", err)
	}
	if n, _ := b.store.CountParticipants(ctx, session.ID); n != 1 {
		t.Fatalf("expected only the host row, got %d", n)
	}
	host.mu.Lock()
	for rowID, playerID := range host.rows {
		if playerID == "p1" {
			host.mu.Unlock()
			t.Fatalf("host still tracks rolled back row %s", rowID)
		}
	}
	host.mu.Unlock()
	if tr.Connected() || tr.Session() != nil {
		t.Fatal("failed join should leave the transport without a session")
	}
}

func TestJoinSessionFailureKeepsRecoveredRow(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	_, session := b.host(t)
	first := b.join(t, "p1", session.JoinCode)
	before := first.Participant()
	first.Disconnect()

	tr := NewTransport(b.store, refusingBroker{Broker: b.hub}, TransportOptions{PlayerID: "p1", Clock: b.clock, Logger: quietLogger()})
	t.Cleanup(tr.Disconnect)
	if _, _, err := tr.JoinSession(ctx, session.JoinCode, "p1"); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	row, err := b.store.GetParticipant(ctx, session.ID, "p1")
	if err != nil || row.ID != before.ID {
		t.Fatalf("existing membership should survive a failed rejoin: row=%+v err=%v", row, err)
	}
}

func TestReconnectedHostSeedsOriginFromUpdates(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	first, session := b.host(t)
	client := b.join(t, "p1", session.JoinCode)
	first.Disconnect()

	host := b.transport(t, "host")
	if _, _, err := host.JoinSession(ctx, session.JoinCode, "Host"); err != nil {
		t.Fatalf("host rejoin: %v", err)
	}
	if !host.IsHost() {
		t.Fatal("rejoined creator should host")
	}
	// p1 joined before this transport existed; its next row update seeds the origin
	if _, err := b.store.UpdateParticipant(ctx, session.ID, models.ParticipantPatch{PlayerID: "p1", IsConnected: models.Bool(true)}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := client.SendPositionUpdate(ctx, move("p1", 1500, 1500)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := host.PendingUpdates(); n != 0 {
		t.Fatalf("teleport from the stored origin should be rejected, pending=%d", n)
	}
	if err := client.SendPositionUpdate(ctx, move("p1", 10, 10)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := host.PendingUpdates(); n != 1 {
		t.Fatalf("expected the valid move queued, pending=%d", n)
	}
}

func TestHostBatchesValidatedMovement(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host, session := b.host(t)
	client := b.join(t, "p1", session.JoinCode)
	msgs := collectStateUpdates(t, client)

	if err := client.SendPositionUpdate(ctx, move("p1", 10, 10)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.SendPositionUpdate(ctx, models.ParticipantPatch{PositionX: models.Float(12), Rotation: models.Float(1)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	// teleport is dropped host-side
	if err := client.SendPositionUpdate(ctx, move("p1", 1500, 1500)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := host.SendPositionUpdate(ctx, move("ignored-id", 5, 5)); err != nil {
		t.Fatalf("host send: %v", err)
	}
	if n := host.PendingUpdates(); n != 2 {
		t.Fatalf("expected 2 pending players, got %d", n)
	}
	if len(*msgs) != 0 {
		t.Fatalf("nothing should be broadcast before the tick, got %d", len(*msgs))
	}

	if err := host.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(*msgs) != 1 {
		t.Fatalf("expected one batched message, got %d", len(*msgs))
	}
	msg := (*msgs)[0]
	if msg.SenderID != "host" || !msg.Batched || len(msg.Payload) != 2 {
		t.Fatalf("unexpected batch %+v", msg)
	}
	got := msg.Payload[0]
	if got.PlayerID != "p1" || *got.PositionX != 12 || *got.PositionY != 10 || *got.Rotation != 1 {
		t.Fatalf("expected merged latest movement for p1, got %+v", got)
	}
	if msg.Payload[1].PlayerID != "host" {
		t.Fatalf("host movement should be keyed by its own id, got %s", msg.Payload[1].PlayerID)
	}
	if host.PendingUpdates() != 0 {
		t.Fatal("flush must clear the buffer")
	}
	if err := host.Flush(ctx); err != nil || len(*msgs) != 1 {
		t.Fatalf("empty flush should not broadcast: err=%v msgs=%d", err, len(*msgs))
	}
}

func TestHostTickFlushesOnSchedule(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host, _ := b.host(t)
	msgs := collectStateUpdates(t, host)

	if err := host.SendPositionUpdate(ctx, move("host", 1, 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for host.PendingUpdates() > 0 && time.Now().Before(deadline) {
		b.clock.Advance(DefaultTickInterval)
		time.Sleep(5 * time.Millisecond)
	}
	if host.PendingUpdates() != 0 {
		t.Fatal("tick never flushed")
	}
	host.Disconnect()
	if len(*msgs) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(*msgs))
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host, session := b.host(t)
	client := b.join(t, "p1", session.JoinCode)
	msgs := collectStateUpdates(t, host)

	client.Disconnect()
	client.Disconnect()
	if client.Connected() {
		t.Fatal("still connected after Disconnect")
	}
	if err := client.BroadcastPlayerStateUpdate(ctx, move("p1", 1, 1)); err != nil {
		t.Fatalf("send while disconnected should be a no-op, got %v", err)
	}
	if len(*msgs) != 0 {
		t.Fatalf("disconnected client published %d messages", len(*msgs))
	}

	host.Disconnect()
	if n := b.hub.SubscriberCount(session.ChannelName); n != 0 {
		t.Fatalf("expected no channel subscribers, got %d", n)
	}
}

func TestBroadcastPlayerStateUpdatePayloads(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host, _ := b.host(t)
	msgs := collectStateUpdates(t, host)

	if err := host.BroadcastPlayerStateUpdate(ctx, models.ParticipantPatch{PlayerID: "host", Health: models.Int(90)}); err != nil {
		t.Fatalf("single: %v", err)
	}
	batch := []models.ParticipantPatch{{PlayerID: "host", Kills: models.Int(1)}, {PlayerID: "host", Kills: models.Int(2)}}
	if err := host.BroadcastPlayerStateUpdate(ctx, batch); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if err := host.BroadcastPlayerStateUpdate(ctx, "nope"); err == nil {
		t.Fatal("expected an error for an unsupported payload")
	}
	if len(*msgs) != 2 || (*msgs)[0].Batched || !(*msgs)[1].Batched {
		t.Fatalf("unexpected messages %+v", *msgs)
	}
}

func TestWritePlayerStateAuthority(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host, session := b.host(t)
	client := b.join(t, "p1", session.JoinCode)

	if err := client.WritePlayerStateToDB(ctx, models.ParticipantPatch{PlayerID: "p1", Health: models.Int(999)}); !errors.Is(err, ErrNotHost) {
		t.Fatalf("client health write: expected ErrNotHost, got %v", err)
	}
	if err := client.WritePlayerStateToDB(ctx, move("host", 1, 1)); !errors.Is(err, ErrNotHost) {
		t.Fatalf("client write to host row: expected ErrNotHost, got %v", err)
	}
	if err := client.WritePlayerStateToDB(ctx, move("p1", 7, 8)); err != nil {
		t.Fatalf("client checkpoint of own movement: %v", err)
	}
	if err := host.WritePlayerStatesToDB(ctx, []models.ParticipantPatch{
		{PlayerID: "p1", Health: models.Int(40)},
		{PlayerID: "host", Kills: models.Int(1)},
	}); err != nil {
		t.Fatalf("host batch write: %v", err)
	}

	p1, _ := b.store.GetParticipant(ctx, session.ID, "p1")
	if p1.Health != 40 || p1.PositionX != 7 || p1.PositionY != 8 {
		t.Fatalf("unexpected p1 row %+v", p1)
	}
	h, _ := b.store.GetParticipant(ctx, session.ID, "host")
	if h.Kills != 1 {
		t.Fatalf("expected host kills 1, got %d", h.Kills)
	}
}

func TestSessionStatusTransitions(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host, session := b.host(t)
	client := b.join(t, "p1", session.JoinCode)

	var statuses []models.SessionStatusChange
	client.OnMessage(models.MessageSessionStatus, func(env models.Envelope) {
		var change models.SessionStatusChange
		if err := decodeData(env, &change); err != nil {
			t.Errorf("decode: %v", err)
		}
		statuses = append(statuses, change)
	})

	if err := client.StartSession(ctx); !errors.Is(err, ErrNotHost) {
		t.Fatalf("client start: expected ErrNotHost, got %v", err)
	}
	if err := host.StartSession(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := host.EndSession(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	stored, _ := b.store.GetSession(ctx, session.ID)
	if stored.Status != models.SessionStatusEnded || host.Session().Status != models.SessionStatusEnded {
		t.Fatalf("expected ended, got store=%s local=%s", stored.Status, host.Session().Status)
	}
	if len(statuses) != 2 || statuses[0].Status != models.SessionStatusActive || statuses[1].Status != models.SessionStatusEnded {
		t.Fatalf("unexpected status broadcasts %+v", statuses)
	}
}

func TestLeaveSession(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	host, session := b.host(t)
	client := b.join(t, "p1", session.JoinCode)

	tracked := func(playerID string) bool {
		host.mu.Lock()
		defer host.mu.Unlock()
		for _, id := range host.rows {
			if id == playerID {
				return true
			}
		}
		return false
	}
	if !tracked("p1") {
		t.Fatal("host should track the joined row")
	}

	if err := client.LeaveSession(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if client.Connected() {
		t.Fatal("leave should disconnect")
	}
	if _, err := b.store.GetParticipant(ctx, session.ID, "p1"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("row should be gone, got %v", err)
	}
	if tracked("p1") {
		t.Fatal("host should forget the deleted row")
	}
}
