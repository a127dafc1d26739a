// models/events.go
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TableSessions     = "sessions"
	TableParticipants = "participants"
)

// ChangeEventType is the kind of row change delivered by the change feed.
type ChangeEventType string

const (
	ChangeInsert ChangeEventType = "insert"
	ChangeUpdate ChangeEventType = "update"
	ChangeDelete ChangeEventType = "delete"
)

// ChangeEvent is one row-level change. Delete events may carry only the row id
// in OldRecord; session_id and player_id are then empty.
type ChangeEvent struct {
	EventType       ChangeEventType `json:"event_type"`
	Table           string          `json:"table"`
	NewRecord       *Participant    `json:"new,omitempty"`
	OldRecord       *Participant    `json:"old,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// Broadcast message types.
const (
	// MessagePositionUpdate is a client's raw movement, validated and batched by the host.
	MessagePositionUpdate = "position_update"
	// MessagePlayerStateUpdate carries one partial or an ordered list of partials.
	MessagePlayerStateUpdate = "player_state_update"
	// MessageSessionStatus announces a session status transition.
	MessageSessionStatus = "session_status"
)

// Envelope is the wire shape of every broadcast on a session channel.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	From      string          `json:"from"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// StateUpdateMessage is a decoded player_state_update or position_update.
type StateUpdateMessage struct {
	SenderID  string
	Timestamp int64
	Payload   []ParticipantPatch
	Batched   bool
}

var ErrEmptyPayload = errors.New("empty state update payload")

// DecodeStateUpdate accepts a single partial object or an array of partials.
func DecodeStateUpdate(env Envelope) (StateUpdateMessage, error) {
	msg := StateUpdateMessage{SenderID: env.From, Timestamp: env.Timestamp}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return msg, ErrEmptyPayload
	}
	if data[0] == '[' {
		if err := json.Unmarshal(data, &msg.Payload); err != nil {
			return msg, fmt.Errorf("decode batch payload: %w", err)
		}
		msg.Batched = true
		return msg, nil
	}
	var single ParticipantPatch
	if err := json.Unmarshal(data, &single); err != nil {
		return msg, fmt.Errorf("decode payload: %w", err)
	}
	msg.Payload = []ParticipantPatch{single}
	return msg, nil
}

// SessionStatusChange is the data of a session_status broadcast.
type SessionStatusChange struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
}
