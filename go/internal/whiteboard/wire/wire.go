// Package wire encodes whiteboard deltas for the broadcast channel.
//
// Payloads are UTF-8 JSON objects discriminated by "type":
//
//	{"type":"excalidraw-update","elements":[...],"deletedIds":[...],"appState":{...}}
//	{"type":"excalidraw-clear"}
//
// Both may also carry "roomId", "senderId" and "timestamp" (unix milliseconds).
package wire

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/lingocall/boardsync/go/internal/whiteboard/scene"
)

// MessageType discriminates broadcast payloads
type MessageType string

const (
	TypeUpdate MessageType = "excalidraw-update"
	TypeClear  MessageType = "excalidraw-clear"
)

// Meta identifies where a payload comes from
type Meta struct {
	RoomID    string
	SenderID  string
	Timestamp time.Time
}

// Message is a decoded payload. Delta is only meaningful for TypeUpdate.
type Message struct {
	Type  MessageType
	Meta  Meta
	Delta scene.Delta
}

// DecodeError reports a payload that cannot be turned into a Message. Callers drop the payload.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode whiteboard payload: %s: %v", e.Reason, e.Err)
	}
	return "decode whiteboard payload: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type envelope struct {
	Type       MessageType       `json:"type"`
	RoomID     string            `json:"roomId,omitempty"`
	SenderID   string            `json:"senderId,omitempty"`
	Timestamp  int64             `json:"timestamp,omitempty"`
	Elements   []json.RawMessage `json:"elements,omitempty"`
	DeletedIDs []string          `json:"deletedIds,omitempty"`
	AppState   *scene.ViewState  `json:"appState,omitempty"`
}

type updateEnvelope struct {
	Type       MessageType     `json:"type"`
	RoomID     string          `json:"roomId,omitempty"`
	SenderID   string          `json:"senderId,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	Elements   []scene.Element `json:"elements"`
	DeletedIDs []string        `json:"deletedIds"`
	AppState   scene.ViewState `json:"appState"`
}

// EncodeUpdate serializes a delta. A nil view state is sent as the zero view state.
func EncodeUpdate(meta Meta, delta scene.Delta) ([]byte, error) {
	env := updateEnvelope{
		Type:       TypeUpdate,
		RoomID:     meta.RoomID,
		SenderID:   meta.SenderID,
		Timestamp:  unixMillis(meta.Timestamp),
		Elements:   delta.Changed,
		DeletedIDs: delta.DeletedIDs,
	}
	if env.Elements == nil {
		env.Elements = []scene.Element{}
	}
	if env.DeletedIDs == nil {
		env.DeletedIDs = []string{}
	}
	if delta.ViewState != nil {
		env.AppState = *delta.ViewState
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// EncodeClear serializes a clear-board notice
func EncodeClear(meta Meta) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Type:      TypeClear,
		RoomID:    meta.RoomID,
		SenderID:  meta.SenderID,
		Timestamp: unixMillis(meta.Timestamp),
	})
	if err != nil {
		return nil, fmt.Errorf("encode clear: %w", err)
	}
	return data, nil
}

// Decode parses a payload. Any failure is a *DecodeError.
func Decode(data []byte) (*Message, error) {
	if !utf8.Valid(data) {
		return nil, &DecodeError{Reason: "payload is not valid UTF-8"}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON envelope", Err: err}
	}

	msg := &Message{
		Type: env.Type,
		Meta: Meta{
			RoomID:   env.RoomID,
			SenderID: env.SenderID,
		},
	}
	if env.Timestamp > 0 {
		msg.Meta.Timestamp = time.UnixMilli(env.Timestamp)
	}

	switch env.Type {
	case TypeClear:
		return msg, nil
	case TypeUpdate:
	case "":
		return nil, &DecodeError{Reason: "missing message type"}
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown message type %q", env.Type)}
	}

	msg.Delta = scene.Delta{
		Changed:    make([]scene.Element, len(env.Elements)),
		DeletedIDs: env.DeletedIDs,
		ViewState:  env.AppState,
	}
	for i, raw := range env.Elements {
		// an element that is not an object stays zero and is dropped by the merge
		_ = json.Unmarshal(raw, &msg.Delta.Changed[i])
	}
	return msg, nil
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
