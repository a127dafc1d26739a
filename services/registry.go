package services

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"

	"session-sync/backend"
	"session-sync/models"

	"github.com/google/uuid"
)

// Client is one local participant: its transport and its replica.
type Client struct {
	Transport *Transport
	Replica   *Replica

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *Client) PlayerID() string { return c.Transport.PlayerID() }

// Context is cancelled when the client leaves or is removed from its registry.
func (c *Client) Context() context.Context { return c.ctx }

func (c *Client) close() {
	c.cancel()
	c.Replica.Destroy()
	c.Transport.Disconnect()
}

// Registry holds the local clients of a process, keyed by player id.
// The debug API and the CLI drive sessions through it.
type Registry struct {
	store     backend.Store
	broker    backend.Broker
	transport TransportOptions
	replica   ReplicaOptions
	archiver  SessionArchiver
	hooks     []func(*Client)
	logger    *log.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry(store backend.Store, broker backend.Broker, transport TransportOptions, replica ReplicaOptions) *Registry {
	logger := transport.Logger
	if logger == nil {
		logger = log.Default()
	}
	transport.PlayerID = ""
	return &Registry{
		store:     store,
		broker:    broker,
		transport: transport,
		replica:   replica,
		logger:    logger,
		clients:   make(map[string]*Client),
	}
}

// SetArchiver enables archiving of sessions ended through the registry.
func (r *Registry) SetArchiver(a SessionArchiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archiver = a
}

// OnAttach registers fn to run for every client the registry creates or joins.
// Background work started by fn should stop when c.Context() is done.
func (r *Registry) OnAttach(fn func(c *Client)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Create opens a new session hosted by a fresh local player.
func (r *Registry) Create(ctx context.Context, displayName string) (*Client, error) {
	t := r.newTransport("")
	if _, _, err := t.CreateSession(ctx, displayName); err != nil {
		return nil, err
	}
	return r.attach(ctx, t)
}

// Join enters a session by code. An empty playerID allocates a new identity;
// passing a known one reconnects it.
func (r *Registry) Join(ctx context.Context, joinCode, displayName, playerID string) (*Client, error) {
	if playerID != "" {
		r.Remove(playerID)
	}
	t := r.newTransport(playerID)
	if _, _, err := t.JoinSession(ctx, joinCode, displayName); err != nil {
		return nil, err
	}
	return r.attach(ctx, t)
}

func (r *Registry) newTransport(playerID string) *Transport {
	opts := r.transport
	opts.PlayerID = playerID
	if opts.PlayerID == "" {
		opts.PlayerID = uuid.NewString()
	}
	return NewTransport(r.store, r.broker, opts)
}

func (r *Registry) attach(ctx context.Context, t *Transport) (*Client, error) {
	replica, err := NewReplica(t, r.replica)
	if err != nil {
		t.Disconnect()
		return nil, err
	}
	if err := replica.Ready(ctx); err != nil {
		replica.Destroy()
		t.Disconnect()
		return nil, err
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{Transport: t, Replica: replica, ctx: cctx, cancel: cancel}

	r.mu.Lock()
	r.clients[t.PlayerID()] = c
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(c)
	}
	return c, nil
}

func (r *Registry) Get(playerID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[playerID]
	return c, ok
}

// PlayerIDs lists the local clients in sorted order.
func (r *Registry) PlayerIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// End ends the client's session (host only) and archives its final view.
// The returned location is empty when no archiver is set.
func (r *Registry) End(ctx context.Context, playerID string) (string, error) {
	c, ok := r.Get(playerID)
	if !ok {
		return "", fmt.Errorf("%w: no local client %s", ErrNoSession, playerID)
	}
	if err := c.Transport.EndSession(ctx); err != nil {
		return "", err
	}

	r.mu.RLock()
	archiver := r.archiver
	r.mu.RUnlock()
	if archiver == nil {
		return "", nil
	}
	session := c.Transport.Session()
	session.Status = models.SessionStatusEnded
	location, err := archiver.ArchiveSession(ctx, *session, c.Replica.Players())
	if err != nil {
		r.logger.Printf("[TRANSPORT] ⚠️ archive of session %s failed: %v", session.ID, err)
		return "", err
	}
	r.logger.Printf("[TRANSPORT] 📦 Session %s archived to %s", session.ID, location)
	return location, nil
}

// Leave deletes the client's participant row and drops the client.
func (r *Registry) Leave(ctx context.Context, playerID string) error {
	c, ok := r.Get(playerID)
	if !ok {
		return fmt.Errorf("%w: no local client %s", ErrNoSession, playerID)
	}
	c.cancel()
	c.Replica.Destroy()
	err := c.Transport.LeaveSession(ctx)

	r.mu.Lock()
	delete(r.clients, playerID)
	r.mu.Unlock()
	return err
}

// Remove disconnects a client without touching its row. Unknown ids are ignored.
func (r *Registry) Remove(playerID string) {
	r.mu.Lock()
	c, ok := r.clients[playerID]
	delete(r.clients, playerID)
	r.mu.Unlock()
	if ok {
		c.close()
	}
}

// Close disconnects every client.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
