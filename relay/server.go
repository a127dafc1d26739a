package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"session-sync/backend"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

type ServerConfig struct {
	Logger *log.Logger
	// Token, when set, must match the "token" query parameter.
	Token string
}

// Server exposes a Broker to websocket clients.
type Server struct {
	broker   backend.Broker
	logger   *log.Logger
	token    string
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

func NewServer(broker backend.Broker, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		broker: broker,
		logger: logger,
		token:  cfg.Token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[*serverConn]struct{}),
	}
}

type serverConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]backend.Subscription
}

func (c *serverConn) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.URL.Query().Get("token") != s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[RELAY] upgrade failed: %v", err)
		return
	}

	c := &serverConn{conn: conn, subs: make(map[string]backend.Subscription)}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Printf("[RELAY] client connected from %s", r.RemoteAddr)

	defer func() {
		for _, sub := range c.subs {
			sub.Unsubscribe()
		}
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Printf("[RELAY] client %s disconnected", r.RemoteAddr)
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			s.logger.Printf("[RELAY] discarding malformed frame from %s: %v", r.RemoteAddr, err)
			continue
		}
		if err := s.handle(r.Context(), c, f); err != nil {
			if sendErr := c.send(Frame{Type: FrameError, ID: f.ID, Topic: f.Topic, Error: err.Error()}); sendErr != nil {
				return
			}
		}
	}
}

func (s *Server) handle(ctx context.Context, c *serverConn, f Frame) error {
	switch f.Type {
	case FrameSubscribe:
		if _, ok := c.subs[f.Topic]; !ok {
			topic := f.Topic
			sub, err := s.broker.Subscribe(topic, func(payload []byte) {
				if err := c.send(Frame{Type: FrameMessage, Topic: topic, Payload: payload}); err != nil {
					s.logger.Printf("[RELAY] ⚠️ delivery on %s failed: %v", topic, err)
				}
			})
			if err != nil {
				return err
			}
			c.subs[topic] = sub
		}
		return c.send(Frame{Type: FrameAck, ID: f.ID, Topic: f.Topic})
	case FrameUnsubscribe:
		if sub, ok := c.subs[f.Topic]; ok {
			sub.Unsubscribe()
			delete(c.subs, f.Topic)
		}
		return c.send(Frame{Type: FrameAck, ID: f.ID, Topic: f.Topic})
	case FramePublish:
		if err := s.broker.Publish(ctx, f.Topic, f.Payload); err != nil {
			return err
		}
		if f.ID != "" {
			return c.send(Frame{Type: FrameAck, ID: f.ID, Topic: f.Topic})
		}
		return nil
	default:
		s.logger.Printf("[RELAY] unknown frame type %q", f.Type)
		return nil
	}
}

// Connections reports how many clients are attached.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every client connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
}
