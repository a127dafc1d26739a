// Package backend holds the contract of the realtime backend (row store,
// change feed, session broadcast channels) and its concrete implementations.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler receives one published payload. Handlers registered on the same topic
// run in subscription order, one at a time.
type Handler func(payload []byte)

// Subscription detaches a handler from its topic. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Broker is a topic-based publish/subscribe transport. Session channels and the
// participants change feed are both topics on the same broker.
type Broker interface {
	Subscribe(topic string, h Handler) (Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ChangeTopic is the change-feed topic for a table.
func ChangeTopic(table string) string {
	return "realtime:public:" + table
}

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, b Broker, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, topic, data)
}

// SubscribeJSON subscribes a typed handler; payloads that fail to decode are
// passed to onError (if set) and skipped.
func SubscribeJSON[T any](b Broker, topic string, h func(T), onError func(error)) (Subscription, error) {
	return b.Subscribe(topic, func(payload []byte) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			if onError != nil {
				onError(fmt.Errorf("decode %s payload: %w", topic, err))
			}
			return
		}
		h(v)
	})
}
