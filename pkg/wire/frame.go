// Package wire defines the JSON frame envelope and protocol vocabulary
// shared by the hub and its agents.
package wire

import (
	"encoding/json"
	"time"
)

// FrameType discriminates the envelope variants on the socket
type FrameType string

const (
	FrameTypeAction FrameType = "action"
	FrameTypeReply  FrameType = "reply"
	FrameTypeEvent  FrameType = "event"
	FrameTypeError  FrameType = "error"
)

// Frame is the envelope for every message on an agent socket. Client
// actions carry Action; server pushes carry Event. A client may also put
// the action name directly in Type, which Normalize folds back into Action.
type Frame struct {
	Type    FrameType       `json:"type"`
	Action  string          `json:"action,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Normalize resolves the implicit-action form: a frame whose Type is not
// one of the envelope variants is treated as `{type: <action>}`.
func (f *Frame) Normalize() {
	switch f.Type {
	case FrameTypeAction, FrameTypeReply, FrameTypeEvent, FrameTypeError:
		return
	}
	if f.Action == "" && f.Type != "" {
		f.Action = string(f.Type)
	}
	f.Type = FrameTypeAction
}

// ErrorPayload is the payload of an error frame
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// NewAction builds a client action frame
func NewAction(action string, payload interface{}) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameTypeAction, Action: action, Payload: data}, nil
}

// NewReply builds a reply to a client action. The payload carries the
// correlation identifier when the request had one; the envelope does not.
func NewReply(action string, payload interface{}) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameTypeReply, Action: action, Payload: data}, nil
}

// NewEvent builds a server-originated push frame
func NewEvent(event string, payload interface{}) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameTypeEvent, Event: event, Payload: data}, nil
}

// NewErrorFrame builds an error frame for a failed action
func NewErrorFrame(action, code, message, correlationID string) *Frame {
	data, _ := json.Marshal(ErrorPayload{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	})
	return &Frame{Type: FrameTypeError, Action: action, Payload: data}
}

// ParsePayload parses the payload into the given struct
func (f *Frame) ParsePayload(v interface{}) error {
	if f.Payload == nil {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// Encode serializes a frame for the socket or a pub/sub topic
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a frame and normalizes the implicit-action form
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	f.Normalize()
	return &f, nil
}

// Ack is the generic success payload for actions that only need a status
type Ack struct {
	OK            bool   `json:"ok"`
	Status        string `json:"status,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Timestamp formats t the way every payload on the wire carries time
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
