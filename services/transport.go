// services/transport.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"session-sync/backend"
	"session-sync/models"
	"session-sync/utils"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultTickInterval = 50 * time.Millisecond
	joinCodeAttempts    = 5
)

// TransportOptions configures a Transport. Zero values fall back to defaults.
type TransportOptions struct {
	// PlayerID is the stable identity of the local participant. Reuse it to reconnect.
	PlayerID     string
	Capacity     int
	TickInterval time.Duration
	Limits       MovementLimits
	Clock        clockwork.Clock
	Logger       *log.Logger
}

// Transport owns one participant's connection to one session: the store rows,
// the session broadcast channel and, on the host, validation and tick batching
// of movement.
type Transport struct {
	store  backend.Store
	broker backend.Broker
	opts   TransportOptions
	clock  clockwork.Clock
	logger *log.Logger

	messages *backend.Emitter[models.Envelope]
	changes  *backend.Emitter[models.ChangeEvent]

	batcher   *TickBatcher
	validator *MovementValidator

	mu          sync.Mutex
	session     *models.Session
	participant *models.Participant
	subs        []backend.Subscription
	scheduler   gocron.Scheduler
	connected   bool
	// row id → player id of rows inserted while hosting; deletes carry the row id only
	rows map[string]string
}

func NewTransport(store backend.Store, broker backend.Broker, opts TransportOptions) *Transport {
	if opts.PlayerID == "" {
		opts.PlayerID = uuid.NewString()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = models.DefaultSessionCapacity
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Limits.TickInterval <= 0 {
		opts.Limits.TickInterval = opts.TickInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Transport{
		store:     store,
		broker:    broker,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger,
		messages:  backend.NewEmitter[models.Envelope](),
		changes:   backend.NewEmitter[models.ChangeEvent](),
		batcher:   NewTickBatcher(),
		validator: NewMovementValidator(opts.Limits),
		rows:      make(map[string]string),
	}
}

func (t *Transport) PlayerID() string { return t.opts.PlayerID }

func (t *Transport) Store() backend.Store { return t.store }

func (t *Transport) Clock() clockwork.Clock { return t.clock }

func (t *Transport) Logger() *log.Logger { return t.logger }

// Session returns a copy of the current session, or nil before create/join.
func (t *Transport) Session() *models.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil
	}
	s := *t.session
	return &s
}

// Participant returns a copy of the local participant row as of create/join.
func (t *Transport) Participant() *models.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.participant == nil {
		return nil
	}
	p := *t.participant
	return &p
}

func (t *Transport) IsHost() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isHostLocked()
}

func (t *Transport) isHostLocked() bool {
	return t.session != nil && t.session.HostID == t.opts.PlayerID
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) initialized() bool {
	return t.store != nil && t.broker != nil
}

// CreateSession allocates a join code, opens the session channel and inserts
// the host participant row.
func (t *Transport) CreateSession(ctx context.Context, displayName string) (*models.Session, *models.Participant, error) {
	if !t.initialized() {
		return nil, nil, ErrConnection
	}
	name := utils.NormalizeDisplayName(displayName)

	var session *models.Session
	for attempt := 1; ; attempt++ {
		code, err := NewJoinCode()
		if err != nil {
			return nil, nil, err
		}
		candidate := &models.Session{
			ID:          uuid.NewString(),
			JoinCode:    code,
			HostID:      t.opts.PlayerID,
			Status:      models.SessionStatusLobby,
			Capacity:    t.opts.Capacity,
			ChannelName: ChannelName(code),
		}
		err = t.store.CreateSession(ctx, candidate)
		if err == nil {
			session = candidate
			break
		}
		if isDuplicate(err) && attempt < joinCodeAttempts {
			t.logger.Printf("[TRANSPORT] join code %s already taken, retrying (%d/%d)", code, attempt, joinCodeAttempts)
			continue
		}
		return nil, nil, storeError("create session", err)
	}

	if err := t.openChannel(session); err != nil {
		return nil, nil, err
	}

	host := models.NewParticipant(session.ID, t.opts.PlayerID, name, true, t.clock.Now().UTC())
	if err := t.store.InsertParticipant(ctx, &host); err != nil {
		t.Disconnect()
		return nil, nil, storeError("insert host participant", err)
	}

	t.mu.Lock()
	t.participant = &host
	t.mu.Unlock()

	if err := t.startTicker(); err != nil {
		t.Disconnect()
		return nil, nil, err
	}

	t.logger.Printf("[TRANSPORT] ✅ Session %s created (code=%s, host=%s)", session.ID, session.JoinCode, t.opts.PlayerID)
	p := host
	return t.Session(), &p, nil
}

// JoinSession resolves a join code and self-inserts the local participant before
// subscribing, so membership is already visible when events start to flow.
// Joining a session this player already belongs to recovers the existing row.
func (t *Transport) JoinSession(ctx context.Context, joinCode, displayName string) (*models.Session, *models.Participant, error) {
	if !t.initialized() {
		return nil, nil, ErrConnection
	}
	code := NormalizeJoinCode(joinCode)
	name := utils.NormalizeDisplayName(displayName)

	session, err := t.store.LookupSession(ctx, code)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, code)
		}
		return nil, nil, storeError("lookup session", err)
	}
	if !session.IsJoinable() {
		return nil, nil, fmt.Errorf("%w: status is %s", ErrNotJoinable, session.Status)
	}

	count, err := t.store.CountParticipants(ctx, session.ID)
	if err != nil {
		return nil, nil, storeError("count participants", err)
	}
	if count >= int64(session.Capacity) {
		// a member reconnecting to a full session still gets in
		if _, err := t.store.GetParticipant(ctx, session.ID, t.opts.PlayerID); err != nil {
			return nil, nil, fmt.Errorf("%w (%d/%d)", ErrSessionFull, count, session.Capacity)
		}
	}

	self := models.NewParticipant(session.ID, t.opts.PlayerID, name, session.HostID == t.opts.PlayerID, t.clock.Now().UTC())
	inserted := true
	if err := t.store.InsertParticipant(ctx, &self); err != nil {
		if !isDuplicate(err) {
			return nil, nil, storeError("insert participant", err)
		}
		t.logger.Printf("[TRANSPORT] %v: %s rejoining session %s", ErrDuplicateMembership, t.opts.PlayerID, session.ID)
		existing, err := t.recoverMembership(ctx, session.ID)
		if err != nil {
			return nil, nil, err
		}
		self = *existing
		inserted = false
	}

	if err := t.openChannel(session); err != nil {
		// a recovered row stays; it belonged to the player before this call
		if inserted {
			if derr := t.store.DeleteParticipant(ctx, session.ID, t.opts.PlayerID); derr != nil {
				t.logger.Printf("[TRANSPORT] ⚠️ Failed to roll back membership of %s in %s: %v", t.opts.PlayerID, session.ID, derr)
			}
		}
		return nil, nil, err
	}
	t.mu.Lock()
	t.participant = &self
	t.mu.Unlock()

	if session.HostID == t.opts.PlayerID {
		if err := t.startTicker(); err != nil {
			t.Disconnect()
			return nil, nil, err
		}
	}

	t.logger.Printf("[TRANSPORT] ✅ %s joined session %s (code=%s)", t.opts.PlayerID, session.ID, session.JoinCode)
	p := self
	return t.Session(), &p, nil
}

func (t *Transport) recoverMembership(ctx context.Context, sessionID string) (*models.Participant, error) {
	now := t.clock.Now().UTC()
	existing, err := t.store.UpdateParticipant(ctx, sessionID, models.ParticipantPatch{
		PlayerID:      t.opts.PlayerID,
		IsConnected:   models.Bool(true),
		LastHeartbeat: &now,
	})
	if err != nil {
		return nil, storeError("fetch existing membership", err)
	}
	return existing, nil
}

// openChannel subscribes to the session channel and the participants change feed.
func (t *Transport) openChannel(session *models.Session) error {
	channelSub, err := t.broker.Subscribe(session.ChannelName, t.handleChannel)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrConnection, session.ChannelName, err)
	}
	changeSub, err := t.broker.Subscribe(backend.ChangeTopic(models.TableParticipants), t.handleChange)
	if err != nil {
		channelSub.Unsubscribe()
		return fmt.Errorf("%w: subscribe change feed: %v", ErrConnection, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s := *session
	t.session = &s
	t.subs = append(t.subs, channelSub, changeSub)
	t.connected = true
	return nil
}

func (t *Transport) startTicker() error {
	sched, err := startIntervalJob(t.clock, t.opts.TickInterval, "tick flush", func() {
		if err := t.Flush(context.Background()); err != nil {
			t.logger.Printf("[TRANSPORT] ⚠️ Tick flush failed: %v", err)
		}
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.scheduler = sched
	t.mu.Unlock()
	return nil
}

// OnMessage registers a handler for broadcast envelopes of one message type.
func (t *Transport) OnMessage(msgType string, h func(models.Envelope)) backend.Subscription {
	return t.messages.Subscribe(msgType, h)
}

// OnChange registers a handler for change-feed events of one table.
func (t *Transport) OnChange(table string, h func(models.ChangeEvent)) backend.Subscription {
	return t.changes.Subscribe(table, h)
}

func (t *Transport) handleChannel(payload []byte) {
	var env models.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.logger.Printf("[TRANSPORT] discarding malformed broadcast: %v", err)
		return
	}
	if env.Type == models.MessagePositionUpdate && env.From != t.opts.PlayerID && t.IsHost() {
		t.acceptMovement(env)
	}
	t.messages.Publish(env.Type, env)
}

func (t *Transport) handleChange(payload []byte) {
	var ev models.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.logger.Printf("[TRANSPORT] discarding malformed change event: %v", err)
		return
	}
	t.trackRow(ev)
	t.changes.Publish(ev.Table, ev)
}

// trackRow keeps the host's movement validator in step with membership. The
// first row seen for a player seeds its origin, whether it arrives as an insert
// or as the update of a rejoin.
func (t *Transport) trackRow(ev models.ChangeEvent) {
	t.mu.Lock()
	if !t.isHostLocked() {
		t.mu.Unlock()
		return
	}
	var seed *models.Participant
	var forget string
	switch ev.EventType {
	case models.ChangeInsert, models.ChangeUpdate:
		if ev.NewRecord == nil || ev.NewRecord.SessionID != t.session.ID {
			t.mu.Unlock()
			return
		}
		t.rows[ev.NewRecord.ID] = ev.NewRecord.PlayerID
		seed = ev.NewRecord
	case models.ChangeDelete:
		if ev.OldRecord == nil {
			t.mu.Unlock()
			return
		}
		forget = t.rows[ev.OldRecord.ID]
		delete(t.rows, ev.OldRecord.ID)
	}
	t.mu.Unlock()

	switch {
	case seed != nil:
		t.validator.SeedIfUnknown(seed.PlayerID, seed.PositionX, seed.PositionY)
	case forget != "":
		t.validator.Forget(forget)
	}
}

// acceptMovement validates a client's raw movement and queues it for the next tick.
// Rejections are logged only; the sender is never told.
func (t *Transport) acceptMovement(env models.Envelope) {
	msg, err := models.DecodeStateUpdate(env)
	if err != nil {
		t.logger.Printf("[TRANSPORT] 🚫 dropped position update from %s: %v", env.From, err)
		return
	}
	now := t.clock.Now()
	for _, patch := range msg.Payload {
		if err := t.validator.Validate(env.From, patch, now); err != nil {
			t.logger.Printf("[TRANSPORT] 🚫 %v", err)
			continue
		}
		t.batcher.Add(movementOnly(patch))
	}
}

func decodeData(env models.Envelope, v any) error {
	if len(env.Data) == 0 {
		return models.ErrEmptyPayload
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", env.Type, err)
	}
	return nil
}

func movementOnly(p models.ParticipantPatch) models.ParticipantPatch {
	return models.ParticipantPatch{
		PlayerID:  p.PlayerID,
		PositionX: p.PositionX,
		PositionY: p.PositionY,
		Rotation:  p.Rotation,
		VelocityX: p.VelocityX,
		VelocityY: p.VelocityY,
	}
}

// Flush broadcasts every pending movement as one player_state_update and
// clears the buffer. It runs on the host tick; calling it directly is safe.
func (t *Transport) Flush(ctx context.Context) error {
	pending := t.batcher.Drain()
	if len(pending) == 0 {
		return nil
	}
	return t.Send(ctx, models.MessagePlayerStateUpdate, pending)
}

// PendingUpdates reports how many players have movement queued for the next tick.
func (t *Transport) PendingUpdates() int {
	return t.batcher.Len()
}

// Send wraps data in an envelope and publishes it on the session channel.
// While disconnected it logs a warning and does nothing.
func (t *Transport) Send(ctx context.Context, msgType string, data any) error {
	t.mu.Lock()
	connected := t.connected
	var channel string
	if t.session != nil {
		channel = t.session.ChannelName
	}
	t.mu.Unlock()

	if !connected || channel == "" {
		t.logger.Printf("[TRANSPORT] ⚠️ send %s skipped: not connected", msgType)
		return nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	env := models.Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		From:      t.opts.PlayerID,
		Timestamp: t.clock.Now().UnixMilli(),
		Data:      raw,
	}
	if err := backend.PublishJSON(ctx, t.broker, channel, env); err != nil {
		t.logger.Printf("[TRANSPORT] ⚠️ publish %s failed: %v", msgType, err)
		return err
	}
	return nil
}

// SendPositionUpdate shares the local participant's movement. Clients send it
// to the host for validation; the host queues its own movement for the next tick.
func (t *Transport) SendPositionUpdate(ctx context.Context, movement models.ParticipantPatch) error {
	movement = movementOnly(movement)
	movement.PlayerID = t.opts.PlayerID
	if !movement.HasMovement() {
		return nil
	}
	if t.IsHost() {
		if !t.Connected() {
			t.logger.Printf("[TRANSPORT] ⚠️ position update skipped: not connected")
			return nil
		}
		t.batcher.Add(movement)
		return nil
	}
	return t.Send(ctx, models.MessagePositionUpdate, movement)
}

// BroadcastPlayerStateUpdate publishes one partial or a list of partials
// immediately. It is transient and never persisted.
func (t *Transport) BroadcastPlayerStateUpdate(ctx context.Context, payload any) error {
	switch payload.(type) {
	case models.ParticipantPatch, []models.ParticipantPatch:
	default:
		return fmt.Errorf("unsupported player state payload %T", payload)
	}
	return t.Send(ctx, models.MessagePlayerStateUpdate, payload)
}

// WritePlayerStateToDB persists one participant's fields.
func (t *Transport) WritePlayerStateToDB(ctx context.Context, patch models.ParticipantPatch) error {
	return t.WritePlayerStatesToDB(ctx, []models.ParticipantPatch{patch})
}

// WritePlayerStatesToDB persists a batch. Only the host may write other players
// or host-authoritative fields; clients may checkpoint their own movement and heartbeat.
func (t *Transport) WritePlayerStatesToDB(ctx context.Context, patches []models.ParticipantPatch) error {
	session := t.Session()
	if session == nil {
		return ErrNoSession
	}
	if len(patches) == 0 {
		return nil
	}
	if !t.IsHost() {
		for _, p := range patches {
			if p.PlayerID != t.opts.PlayerID {
				return fmt.Errorf("%w: write to %s", ErrNotHost, p.PlayerID)
			}
			for _, u := range p.Split() {
				if u.Authority() == models.AuthorityHost {
					return fmt.Errorf("%w: write host-authoritative %T", ErrNotHost, u)
				}
			}
		}
	}

	var err error
	if len(patches) == 1 {
		_, err = t.store.UpdateParticipant(ctx, session.ID, patches[0])
	} else {
		err = t.store.UpdateParticipants(ctx, session.ID, patches)
	}
	if err != nil {
		t.logger.Printf("[TRANSPORT] ❌ write of %d participant(s) failed: %v", len(patches), err)
		return storeError("write player state", err)
	}
	return nil
}

// StartSession moves the session from lobby to active. Host only.
func (t *Transport) StartSession(ctx context.Context) error {
	return t.setStatus(ctx, models.SessionStatusActive)
}

// EndSession marks the session ended. Host only.
func (t *Transport) EndSession(ctx context.Context) error {
	return t.setStatus(ctx, models.SessionStatusEnded)
}

func (t *Transport) setStatus(ctx context.Context, status models.SessionStatus) error {
	session := t.Session()
	if session == nil {
		return ErrNoSession
	}
	if !t.IsHost() {
		return ErrNotHost
	}
	if err := t.store.UpdateSessionStatus(ctx, session.ID, status); err != nil {
		return storeError("update session status", err)
	}
	t.mu.Lock()
	if t.session != nil {
		t.session.Status = status
	}
	t.mu.Unlock()
	t.logger.Printf("[TRANSPORT] Session %s is now %s", session.ID, status)
	return t.Send(ctx, models.MessageSessionStatus, models.SessionStatusChange{SessionID: session.ID, Status: status})
}

// LeaveSession deletes the local participant row and disconnects.
func (t *Transport) LeaveSession(ctx context.Context) error {
	session := t.Session()
	if session == nil {
		return ErrNoSession
	}
	defer t.Disconnect()
	if err := t.store.DeleteParticipant(ctx, session.ID, t.opts.PlayerID); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return storeError("delete participant", err)
	}
	return nil
}

// Disconnect stops the tick timer and leaves the channel. Safe to call repeatedly.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	sched := t.scheduler
	subs := t.subs
	wasConnected := t.connected
	t.scheduler = nil
	t.subs = nil
	t.connected = false
	t.mu.Unlock()

	if sched != nil {
		if err := sched.Shutdown(); err != nil {
			t.logger.Printf("[TRANSPORT] ⚠️ tick scheduler shutdown: %v", err)
		}
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	t.batcher.Drain()
	if wasConnected {
		t.logger.Printf("[TRANSPORT] %s disconnected", t.opts.PlayerID)
	}
}
