package main

import "encoding/json"

// Payload mirrors of the hub vocabulary, limited to the fields the demo
// consumes. The authoritative shapes live hub-side; an agent only ever
// sees JSON.

type rosterEntry struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	State     string `json:"state"`
}

type rosterEvent struct {
	Agents []rosterEntry `json:"agents"`
}

type joinedEvent struct {
	Agent rosterEntry `json:"agent"`
}

type leftEvent struct {
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	Remaining int    `json:"remaining_sessions"`
}

type assignment struct {
	TaskID       string   `json:"task_id"`
	Type         string   `json:"type"`
	Prompt       string   `json:"prompt"`
	Capabilities []string `json:"capabilities_required"`
}

type taskResult struct {
	TaskID        string          `json:"task_id"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result"`
	Error         string          `json:"error"`
	CorrelationID string          `json:"correlation_id"`
}

type directMessage struct {
	MessageID     string          `json:"message_id"`
	From          string          `json:"from"`
	FromName      string          `json:"from_name"`
	Message       json.RawMessage `json:"message"`
	CorrelationID string          `json:"correlation_id"`
}

type activityEvent struct {
	EventID   string `json:"event_id"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Kind      string `json:"kind"`
}

type memoryChange struct {
	Key       string `json:"key"`
	Scope     string `json:"scope"`
	UpdatedBy string `json:"updated_by"`
}
