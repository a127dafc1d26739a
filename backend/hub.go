package backend

import (
	"context"
	"errors"
	"sync/atomic"
)

var ErrHubClosed = errors.New("hub closed")

// Hub is an in-process Broker. Publish delivers synchronously on the caller's
// goroutine, to each handler of the topic in subscription order.
type Hub struct {
	emitter *Emitter[[]byte]
	closed  atomic.Bool
}

func NewHub() *Hub {
	return &Hub{emitter: NewEmitter[[]byte]()}
}

func (h *Hub) Subscribe(topic string, handler Handler) (Subscription, error) {
	if h.closed.Load() {
		return nil, ErrHubClosed
	}
	return h.emitter.Subscribe(topic, handler), nil
}

func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.closed.Load() {
		return ErrHubClosed
	}
	h.emitter.Publish(topic, payload)
	return nil
}

// SubscriberCount returns the number of handlers on topic.
func (h *Hub) SubscriberCount(topic string) int {
	return h.emitter.Count(topic)
}

// Close drops every subscription; later calls fail with ErrHubClosed.
func (h *Hub) Close() {
	h.closed.Store(true)
	h.emitter.Reset()
}
