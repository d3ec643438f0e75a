package wire

import (
	"encoding/json"
	"testing"
)

func TestNormalizeImplicitAction(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantType   FrameType
		wantAction string
	}{
		{
			name:       "explicit action envelope",
			raw:        `{"type":"action","action":"presence:update","payload":{}}`,
			wantType:   FrameTypeAction,
			wantAction: "presence:update",
		},
		{
			name:       "action in type field",
			raw:        `{"type":"direct:send","payload":{"to":"ag_x"}}`,
			wantType:   FrameTypeAction,
			wantAction: "direct:send",
		},
		{
			name:       "event envelope untouched",
			raw:        `{"type":"event","event":"presence:joined","payload":{}}`,
			wantType:   FrameTypeEvent,
			wantAction: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Frame
			if err := json.Unmarshal([]byte(tt.raw), &f); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			f.Normalize()
			if f.Type != tt.wantType {
				t.Errorf("type = %q, want %q", f.Type, tt.wantType)
			}
			if f.Action != tt.wantAction {
				t.Errorf("action = %q, want %q", f.Action, tt.wantAction)
			}
		})
	}
}

func TestReplyRoundTrip(t *testing.T) {
	frame, err := NewReply(ActionDirectSend, map[string]interface{}{
		"ok":             true,
		"message_id":     "msg_0011223344556677",
		"status":         "delivered",
		"correlation_id": "corr-1",
	})
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != FrameTypeReply {
		t.Errorf("type = %q, want reply", decoded.Type)
	}

	var payload struct {
		OK            bool   `json:"ok"`
		MessageID     string `json:"message_id"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := decoded.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if !payload.OK || payload.MessageID != "msg_0011223344556677" || payload.CorrelationID != "corr-1" {
		t.Errorf("payload round-trip mismatch: %+v", payload)
	}
}

func TestErrorFrameCarriesCode(t *testing.T) {
	frame := NewErrorFrame(ActionTaskResult, ErrInvalidStatus, "task is not active", "corr-9")

	var payload ErrorPayload
	if err := frame.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload.Code != ErrInvalidStatus {
		t.Errorf("code = %q, want %q", payload.Code, ErrInvalidStatus)
	}
	if payload.CorrelationID != "corr-9" {
		t.Errorf("correlation_id = %q, want corr-9", payload.CorrelationID)
	}
}
