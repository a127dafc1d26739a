// services/replica.go
package services

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"session-sync/backend"
	"session-sync/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultResyncInterval = 60 * time.Second
)

var ErrReplicaDestroyed = errors.New("replica destroyed")

// ReplicaOptions configures a Replica. Zero values fall back to defaults.
type ReplicaOptions struct {
	ResyncInterval     time.Duration
	HistorySize        int
	InterpolationDelay time.Duration
	// DirtyTTL bounds how long a broadcast host-authoritative value survives a
	// store row that disagrees with it without having changed. Defaults to
	// ResyncInterval, so an unpersisted value outlives one resync.
	DirtyTTL time.Duration
	Logger   *log.Logger
}

// Replica event types.
const (
	ReplicaUpsert = "upsert"
	ReplicaUpdate = "update"
	ReplicaRemove = "remove"
	ReplicaResync = "resync"
	ReplicaStatus = "status"
)

// ReplicaEvent tells observers that the local view changed.
type ReplicaEvent struct {
	Type     string `json:"type"`
	PlayerID string `json:"player_id,omitempty"`
}

const replicaTopic = "replica"

type replicaEntry struct {
	participant models.Participant
	history     *models.History
	// host-authoritative fields applied from broadcasts, by time applied
	dirty map[string]time.Time
	// last store row merged into participant
	stored models.Participant
	// value of Replica.seq when a store row was last merged
	storedSeq uint64
}

// Replica is the local player_id → Participant view of one session, fed by
// the change feed, the session broadcast channel and a periodic resync.
type Replica struct {
	transport *Transport
	store     backend.Store
	clock     clockwork.Clock
	logger    *log.Logger
	opts      ReplicaOptions
	sessionID string
	hostID    string

	mu        sync.Mutex
	entries   map[string]*replicaEntry
	rowIndex  map[string]string // store row id → player id
	seq       uint64
	status    models.SessionStatus
	subs      []backend.Subscription
	scheduler gocron.Scheduler
	destroyed bool

	events  *backend.Emitter[ReplicaEvent]
	cancel  context.CancelFunc
	ready   chan struct{}
	initErr error
}

// NewReplica starts building the replica for the transport's current session.
// The initial fetch and the subscriptions run in the background; wait on Ready.
func NewReplica(t *Transport, opts ReplicaOptions) (*Replica, error) {
	session := t.Session()
	if session == nil {
		return nil, ErrNoSession
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = DefaultResyncInterval
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = models.DefaultHistorySize
	}
	if opts.InterpolationDelay <= 0 {
		opts.InterpolationDelay = DefaultInterpolationDelay
	}
	if opts.DirtyTTL <= 0 {
		opts.DirtyTTL = opts.ResyncInterval
	}
	if opts.Logger == nil {
		opts.Logger = t.Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Replica{
		transport: t,
		store:     t.Store(),
		clock:     t.Clock(),
		logger:    opts.Logger,
		opts:      opts,
		sessionID: session.ID,
		hostID:    session.HostID,
		status:    session.Status,
		entries:   make(map[string]*replicaEntry),
		rowIndex:  make(map[string]string),
		events:    backend.NewEmitter[ReplicaEvent](),
		cancel:    cancel,
		ready:     make(chan struct{}),
	}
	go r.init(ctx)
	return r, nil
}

func (r *Replica) init(ctx context.Context) {
	defer close(r.ready)

	rows, err := r.store.ListParticipants(ctx, r.sessionID)
	if err != nil {
		r.initErr = storeError("initial fetch", err)
		r.logger.Printf("[REPLICA] ❌ %v", r.initErr)
		return
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		r.initErr = ErrReplicaDestroyed
		return
	}
	now := r.clock.Now()
	for _, row := range rows {
		if row.SessionID == r.sessionID {
			r.mergeRowLocked(row, now)
		}
	}
	r.mu.Unlock()

	subs := []backend.Subscription{
		r.transport.OnChange(models.TableParticipants, r.handleChange),
		r.transport.OnMessage(models.MessagePlayerStateUpdate, r.handleStateUpdate),
		r.transport.OnMessage(models.MessageSessionStatus, r.handleStatus),
	}
	sched, err := r.newResyncScheduler()

	r.mu.Lock()
	if r.destroyed || err != nil {
		r.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		if sched != nil {
			_ = sched.Shutdown()
		}
		if err != nil {
			r.initErr = err
		} else {
			r.initErr = ErrReplicaDestroyed
		}
		return
	}
	r.subs = subs
	r.scheduler = sched
	size := len(r.entries)
	r.mu.Unlock()

	r.logger.Printf("[REPLICA] ✅ Ready for session %s with %d participant(s)", r.sessionID, size)
	r.events.Publish(replicaTopic, ReplicaEvent{Type: ReplicaResync})
}

func (r *Replica) newResyncScheduler() (gocron.Scheduler, error) {
	return startIntervalJob(r.clock, r.opts.ResyncInterval, "resync", func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.ResyncInterval)
		defer cancel()
		_ = r.Resync(ctx)
	})
}

// Ready blocks until both initialization phases finished and returns the
// initialization error, if any.
func (r *Replica) Ready(ctx context.Context) error {
	select {
	case <-r.ready:
		return r.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for every change of the local view.
func (r *Replica) Subscribe(fn func(ReplicaEvent)) backend.Subscription {
	return r.events.Subscribe(replicaTopic, fn)
}

func (r *Replica) handleChange(ev models.ChangeEvent) {
	if ev.Table != models.TableParticipants {
		return
	}

	var out ReplicaEvent
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	switch ev.EventType {
	case models.ChangeInsert, models.ChangeUpdate:
		row := ev.NewRecord
		if row == nil || row.SessionID != r.sessionID {
			r.mu.Unlock()
			return
		}
		_, existed := r.entries[row.PlayerID]
		r.mergeRowLocked(*row, r.clock.Now())
		out = ReplicaEvent{Type: ReplicaUpdate, PlayerID: row.PlayerID}
		if !existed {
			out.Type = ReplicaUpsert
		}
	case models.ChangeDelete:
		old := ev.OldRecord
		if old == nil || (old.SessionID != "" && old.SessionID != r.sessionID) {
			r.mu.Unlock()
			return
		}
		playerID, ok := r.rowIndex[old.ID]
		if !ok {
			r.mu.Unlock()
			return
		}
		r.removeLocked(playerID)
		out = ReplicaEvent{Type: ReplicaRemove, PlayerID: playerID}
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.events.Publish(replicaTopic, out)
}

// mergeRowLocked folds a store row into the view. Membership, identity and
// store-owned columns always come from the row. A movement or host-authoritative
// column the store changed since the entry's last merged row is taken from the
// row, except a position the history already passed through. Unchanged columns
// keep the local value: movement from broadcasts, host-authoritative values
// until DirtyTTL elapses.
func (r *Replica) mergeRowLocked(row models.Participant, now time.Time) {
	r.seq++
	e, ok := r.entries[row.PlayerID]
	if !ok {
		r.entries[row.PlayerID] = &replicaEntry{
			participant: row,
			stored:      row,
			history:     models.NewHistory(r.opts.HistorySize),
			storedSeq:   r.seq,
		}
		r.rowIndex[row.ID] = row.PlayerID
		return
	}

	local := e.participant
	next := row
	switch {
	case models.MovementEqual(row, e.stored):
		models.CopyMovement(&next, local)
	case e.history.Contains(row.Snapshot(0)):
		// checkpoint of a pose the broadcasts already moved past
		models.CopyMovement(&next, local)
	case !models.MovementEqual(row, local):
		e.history.Push(row.Snapshot(now.UnixMilli()))
	}
	for field, appliedAt := range e.dirty {
		switch {
		case !models.HostFieldEqual(row, e.stored, field),
			models.HostFieldEqual(row, local, field),
			now.Sub(appliedAt) >= r.opts.DirtyTTL:
			delete(e.dirty, field)
		default:
			models.CopyHostField(&next, local, field)
		}
	}

	if local.ID != row.ID {
		delete(r.rowIndex, local.ID)
	}
	r.rowIndex[row.ID] = row.PlayerID
	e.participant = next
	e.stored = row
	e.storedSeq = r.seq
}

func (r *Replica) removeLocked(playerID string) {
	e, ok := r.entries[playerID]
	if !ok {
		return
	}
	delete(r.rowIndex, e.participant.ID)
	delete(r.entries, playerID)
}

func (r *Replica) handleStateUpdate(env models.Envelope) {
	msg, err := models.DecodeStateUpdate(env)
	if err != nil {
		r.logger.Printf("[REPLICA] dropped %s from %s: %v", env.Type, env.From, err)
		return
	}
	batch := models.NewBatchUpdate(msg.Payload)

	var touched []string
	seen := make(map[string]bool)
	mark := func(playerID string) {
		if !seen[playerID] {
			seen[playerID] = true
			touched = append(touched, playerID)
		}
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	now := r.clock.Now()
	r.applyLocked(msg.SenderID, batch, now, mark)
	for _, id := range touched {
		e := r.entries[id]
		e.history.Push(e.participant.Snapshot(now.UnixMilli()))
	}
	r.mu.Unlock()

	for _, id := range touched {
		r.events.Publish(replicaTopic, ReplicaEvent{Type: ReplicaUpdate, PlayerID: id})
	}
}

// applyLocked is the single place where broadcast updates mutate the view.
func (r *Replica) applyLocked(senderID string, u models.Update, now time.Time, mark func(string)) {
	switch u := u.(type) {
	case models.BatchUpdate:
		for _, inner := range u.Updates {
			r.applyLocked(senderID, inner, now, mark)
		}
	case models.MovementUpdate:
		if e := r.authorizedLocked(senderID, u); e != nil {
			u.Apply(&e.participant)
			mark(u.PlayerID)
		}
	case models.HealthUpdate:
		if e := r.authorizedLocked(senderID, u); e != nil {
			u.Apply(&e.participant)
			e.markDirty(u.HostFields(), now)
			mark(u.PlayerID)
		}
	case models.EquipmentUpdate:
		if e := r.authorizedLocked(senderID, u); e != nil {
			u.Apply(&e.participant)
			e.markDirty(u.HostFields(), now)
			mark(u.PlayerID)
		}
	case models.StatsUpdate:
		if e := r.authorizedLocked(senderID, u); e != nil {
			u.Apply(&e.participant)
			e.markDirty(u.HostFields(), now)
			mark(u.PlayerID)
		}
	case models.PresenceUpdate:
		if e := r.authorizedLocked(senderID, u); e != nil {
			u.Apply(&e.participant)
			e.markDirty(u.HostFields(), now)
			mark(u.PlayerID)
		}
	default:
		r.logger.Printf("[REPLICA] unhandled update %T from %s", u, senderID)
	}
}

// authorizedLocked returns the target entry when senderID may apply u to it.
// Targets missing from the view are ignored; broadcasts never create entries.
func (r *Replica) authorizedLocked(senderID string, u models.Update) *replicaEntry {
	e, ok := r.entries[u.Target()]
	if !ok {
		return nil
	}
	switch {
	case senderID != "" && senderID == r.hostID:
		return e
	case u.Authority() == models.AuthoritySelf && senderID == u.Target():
		return e
	}
	r.logger.Printf("[REPLICA] 🚫 ignored %T for %s from %s", u, u.Target(), senderID)
	return nil
}

func (e *replicaEntry) markDirty(fields []string, now time.Time) {
	if len(fields) == 0 {
		return
	}
	if e.dirty == nil {
		e.dirty = make(map[string]time.Time, len(fields))
	}
	for _, f := range fields {
		e.dirty[f] = now
	}
}

func (r *Replica) handleStatus(env models.Envelope) {
	if env.From != r.hostID {
		return
	}
	var change models.SessionStatusChange
	if err := decodeData(env, &change); err != nil {
		r.logger.Printf("[REPLICA] dropped session status: %v", err)
		return
	}
	if change.SessionID != r.sessionID {
		return
	}
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.status = change.Status
	r.mu.Unlock()
	r.events.Publish(replicaTopic, ReplicaEvent{Type: ReplicaStatus})
}

// Resync re-reads the session's rows and merges them by authority class.
// Entries missing from the store are dropped unless a change-feed row for them
// arrived after the read started. Failures are logged and leave the view as is.
func (r *Replica) Resync(ctx context.Context) error {
	r.mu.Lock()
	started := r.seq
	r.mu.Unlock()

	rows, err := r.store.ListParticipants(ctx, r.sessionID)
	if err != nil {
		err = storeError("resync", err)
		r.logger.Printf("[RESYNC] ⚠️ %v", err)
		return err
	}
	session, err := r.store.GetSession(ctx, r.sessionID)
	if err != nil {
		r.logger.Printf("[RESYNC] ⚠️ session %s status not refreshed: %v", r.sessionID, err)
		session = nil
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrReplicaDestroyed
	}
	now := r.clock.Now()
	inStore := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.SessionID != r.sessionID {
			continue
		}
		inStore[row.PlayerID] = true
		r.mergeRowLocked(row, now)
	}
	removed := 0
	for id, e := range r.entries {
		if !inStore[id] && e.storedSeq <= started {
			r.removeLocked(id)
			removed++
		}
	}
	if session != nil {
		r.status = session.Status
	}
	size := len(r.entries)
	r.mu.Unlock()

	r.logger.Printf("[RESYNC] session %s: %d participant(s), %d removed", r.sessionID, size, removed)
	r.events.Publish(replicaTopic, ReplicaEvent{Type: ReplicaResync})
	return nil
}

// GetPlayers returns a copy of the view keyed by player id.
func (r *Replica) GetPlayers() map[string]models.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]models.Participant, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.participant
	}
	return out
}

// Players returns the view ordered by join time.
func (r *Replica) Players() []models.Participant {
	players := r.GetPlayers()
	out := make([]models.Participant, 0, len(players))
	for _, p := range players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].PlayerID < out[j].PlayerID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (r *Replica) GetPlayer(playerID string) (models.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[playerID]
	if !ok {
		return models.Participant{}, false
	}
	return e.participant, true
}

// History returns the player's buffered snapshots, oldest first.
func (r *Replica) History(playerID string) []models.HistorySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[playerID]
	if !ok {
		return nil
	}
	return e.history.Snapshots()
}

// GetInterpolatedPlayerState samples the player's history for rendering at
// renderTimestamp (unix millis).
func (r *Replica) GetInterpolatedPlayerState(playerID string, renderTimestamp int64) (InterpolatedState, bool) {
	r.mu.Lock()
	e, ok := r.entries[playerID]
	if !ok {
		r.mu.Unlock()
		return InterpolatedState{}, false
	}
	history := e.history.Snapshots()
	current := e.participant
	r.mu.Unlock()
	return Interpolate(history, current, renderTimestamp, r.opts.InterpolationDelay), true
}

func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Replica) SessionID() string { return r.sessionID }

func (r *Replica) HostID() string { return r.hostID }

func (r *Replica) Status() models.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Destroy unsubscribes every listener and stops the resync job. Safe to call repeatedly.
func (r *Replica) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	subs := r.subs
	sched := r.scheduler
	r.subs = nil
	r.scheduler = nil
	r.mu.Unlock()

	r.cancel()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if sched != nil {
		if err := sched.Shutdown(); err != nil {
			r.logger.Printf("[REPLICA] ⚠️ resync scheduler shutdown: %v", err)
		}
	}
	r.events.Reset()
}
