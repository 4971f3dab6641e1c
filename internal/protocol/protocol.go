// Package protocol implements the binary framing spoken with the
// collaboration server. It follows the Yjs/Hocuspocus convention: the
// first byte selects the channel, sync frames carry a second byte for
// the sync step, and the rest of the frame is an opaque payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types (first byte of every frame)
const (
	// Document sync protocol messages
	MessageSync byte = 0

	// Awareness protocol messages (cursors, presence)
	MessageAwareness byte = 1

	// Authentication messages
	MessageAuth byte = 2
)

// Sync steps (second byte of a sync frame)
const (
	// Client sends its state vector
	SyncStep1 byte = 0

	// Peer responds with the updates the state vector is missing
	SyncStep2 byte = 1

	// Incremental update broadcast
	SyncUpdate byte = 2
)

// Message is a decoded frame.
type Message struct {
	Type    byte
	Step    byte // meaningful only when Type == MessageSync
	Payload []byte
}

// Parse decodes and validates a raw frame.
func Parse(data []byte) (*Message, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}

	msg := &Message{Type: data[0]}
	if msg.Type == MessageSync {
		msg.Step = data[1]
		msg.Payload = data[2:]
	} else {
		msg.Payload = data[1:]
	}
	return msg, nil
}

// Validate checks that a frame is well-formed without decoding it.
func Validate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty message")
	}

	switch data[0] {
	case MessageSync:
		if len(data) < 2 {
			return fmt.Errorf("sync message too short")
		}
		if data[1] > SyncUpdate {
			return fmt.Errorf("invalid sync step: %d", data[1])
		}
		return nil
	case MessageAwareness, MessageAuth:
		if len(data) < 2 {
			return fmt.Errorf("message type %d missing payload", data[0])
		}
		return nil
	default:
		return fmt.Errorf("unknown message type: %d", data[0])
	}
}

// EncodeSyncStep1 frames a state vector asking the peer for what we miss.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 frames the updates a peer's state vector was missing.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeUpdate frames an incremental document update.
func EncodeUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func encodeSync(step byte, payload []byte) []byte {
	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, MessageSync, step)
	return append(frame, payload...)
}

// EncodeAwareness frames an awareness payload.
func EncodeAwareness(payload []byte) []byte {
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, MessageAwareness)
	return append(frame, payload...)
}

type authPayload struct {
	Token  string `json:"token,omitempty"`
	Denied string `json:"denied,omitempty"`
}

// EncodeAuth frames the bearer token sent right after the transport
// opens. The payload is JSON, matching the server's expectation.
func EncodeAuth(token string) []byte {
	payload, _ := json.Marshal(authPayload{Token: token})
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, MessageAuth)
	return append(frame, payload...)
}

// ParseAuthDenied extracts the rejection reason from an inbound auth
// frame payload. It returns "" when the frame is not a rejection.
func ParseAuthDenied(payload []byte) string {
	var p authPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.Denied
}
