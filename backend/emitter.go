package backend

import "sync"

// Emitter is a typed publish/subscribe registry with ordered handler lists per topic.
type Emitter[T any] struct {
	mu       sync.RWMutex
	handlers map[string][]emitterEntry[T]
	nextID   uint64
}

type emitterEntry[T any] struct {
	id uint64
	fn func(T)
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{handlers: make(map[string][]emitterEntry[T])}
}

// Subscribe appends fn to topic and returns a handle that removes it again.
func (e *Emitter[T]) Subscribe(topic string, fn func(T)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.handlers[topic] = append(e.handlers[topic], emitterEntry[T]{id: id, fn: fn})
	return &emitterSubscription{remove: func() { e.unsubscribe(topic, id) }}
}

// Publish calls every handler of topic in subscription order on the caller's goroutine.
func (e *Emitter[T]) Publish(topic string, v T) int {
	e.mu.RLock()
	entries := append([]emitterEntry[T](nil), e.handlers[topic]...)
	e.mu.RUnlock()
	for _, entry := range entries {
		entry.fn(v)
	}
	return len(entries)
}

func (e *Emitter[T]) Count(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[topic])
}

// Reset drops every handler on every topic.
func (e *Emitter[T]) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string][]emitterEntry[T])
}

func (e *Emitter[T]) unsubscribe(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.handlers[topic]
	for i, entry := range entries {
		if entry.id == id {
			e.handlers[topic] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(e.handlers[topic]) == 0 {
		delete(e.handlers, topic)
	}
}

type emitterSubscription struct {
	once   sync.Once
	remove func()
}

func (s *emitterSubscription) Unsubscribe() {
	s.once.Do(s.remove)
}
