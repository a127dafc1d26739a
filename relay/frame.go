// Package relay carries the backend Broker over a websocket so several
// processes share the same session channels and change feed.
package relay

import "encoding/json"

// Frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FrameMessage     = "message"
	FrameAck         = "ack"
	FrameError       = "error"
)

// Frame is the only message shape on a relay connection.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
