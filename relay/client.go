package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"session-sync/backend"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrClientClosed = errors.New("relay client closed")

const ackTimeout = 5 * time.Second

type ClientConfig struct {
	Logger *log.Logger
	Token  string
	Dialer *websocket.Dialer
}

// Client is a Broker backed by a remote relay Server. Handlers run on the
// client's read goroutine, one message at a time. Subscribe must not be called
// from inside a handler.
type Client struct {
	conn   *websocket.Conn
	logger *log.Logger
	local  *backend.Emitter[[]byte]

	writeMu sync.Mutex

	mu      sync.Mutex
	refs    map[string]int
	pending map[string]chan Frame

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a relay at rawURL (ws:// or wss://).
func Dial(ctx context.Context, rawURL string, cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if cfg.Token != "" {
		q := u.Query()
		q.Set("token", cfg.Token)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", u.Redacted(), err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		local:   backend.NewEmitter[[]byte](),
		refs:    make(map[string]int),
		pending: make(map[string]chan Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Printf("[RELAY] connection lost: %v", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.logger.Printf("[RELAY] discarding malformed frame: %v", err)
			continue
		}
		switch f.Type {
		case FrameMessage:
			c.local.Publish(f.Topic, []byte(f.Payload))
		case FrameAck, FrameError:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			} else if f.Type == FrameError {
				c.logger.Printf("[RELAY] ⚠️ %s on %s: %s", f.Type, f.Topic, f.Error)
			}
		}
	}
}

func (c *Client) write(f Frame) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

// request sends f and waits for the matching ack.
func (c *Client) request(ctx context.Context, f Frame) error {
	f.ID = uuid.NewString()
	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.write(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Type == FrameError {
			return fmt.Errorf("relay %s %s: %s", f.Type, f.Topic, reply.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("relay %s %s: no ack after %s", f.Type, f.Topic, ackTimeout)
	case <-c.done:
		return ErrClientClosed
	}
}

// Subscribe registers h and, for the first handler of a topic, subscribes the
// connection. It returns once the relay acknowledged the subscription.
func (c *Client) Subscribe(topic string, h backend.Handler) (backend.Subscription, error) {
	c.mu.Lock()
	c.refs[topic]++
	first := c.refs[topic] == 1
	c.mu.Unlock()

	if first {
		if err := c.request(context.Background(), Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
			c.release(topic)
			return nil, err
		}
	}
	sub := c.local.Subscribe(topic, h)
	return &clientSubscription{client: c, topic: topic, inner: sub}, nil
}

func (c *Client) release(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[topic]--
	if c.refs[topic] > 0 {
		return false
	}
	delete(c.refs, topic)
	return true
}

type clientSubscription struct {
	once   sync.Once
	client *Client
	topic  string
	inner  backend.Subscription
}

func (s *clientSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.inner.Unsubscribe()
		if s.client.release(s.topic) {
			if err := s.client.write(Frame{Type: FrameUnsubscribe, Topic: s.topic}); err != nil && !errors.Is(err, ErrClientClosed) {
				s.client.logger.Printf("[RELAY] ⚠️ unsubscribe %s: %v", s.topic, err)
			}
		}
	})
}

// Publish sends payload to every subscriber of topic, this client included.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(Frame{Type: FramePublish, Topic: topic, Payload: payload})
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. Safe to call repeatedly.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
