package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pointdeck/pointdeck/internal/session"
)

// EventType discriminates stream events pushed to clients.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventSessionUpdate EventType = "session_update"
	EventHeartbeatAck  EventType = "heartbeat_ack"
	EventNotFound      EventType = "not_found"
	EventExpired       EventType = "expired"
	EventError         EventType = "error"
)

// Event is one frame on the push stream: newline-delimited JSON, one event
// per websocket text message.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Encode renders the event as newline-terminated JSON.
func (e *Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeEvent parses a single event frame.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(bytes.TrimSpace(data), &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}

// SnapshotEvent wraps a session snapshot in a session_update frame.
func SnapshotEvent(snap session.Snapshot, now time.Time) (*Event, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return &Event{
		Type:      EventSessionUpdate,
		SessionID: snap.ID,
		Data:      data,
		Timestamp: now,
	}, nil
}

// DecodeSnapshot parses the Data of a session_update event.
func DecodeSnapshot(e *Event) (session.Snapshot, error) {
	var snap session.Snapshot
	if err := json.Unmarshal(e.Data, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// ActionType discriminates client requests, on both the poll POST body and
// inbound push-stream frames.
type ActionType string

const (
	ActionJoin           ActionType = "join"
	ActionVote           ActionType = "vote"
	ActionReveal         ActionType = "reveal"
	ActionReset          ActionType = "reset"
	ActionTemplateUpdate ActionType = "template_update"
	ActionHeartbeat      ActionType = "heartbeat"
	ActionTransferHost   ActionType = "transfer_host"
	ActionLeave          ActionType = "leave"
)

// Action is a client request against one session.
type Action struct {
	Type   ActionType      `json:"type"`
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// VotePayload carries the card value for a vote action.
type VotePayload struct {
	Value string `json:"value"`
}

// JoinPayload carries the display name and requested role for a join action.
type JoinPayload struct {
	Name string       `json:"name"`
	Role session.Role `json:"role,omitempty"`
}

// TemplatePayload selects a named preset or supplies a custom card list.
type TemplatePayload struct {
	Preset string   `json:"preset,omitempty"`
	Cards  []string `json:"cards,omitempty"`
}

// TransferPayload names the new host for a transfer_host action.
type TransferPayload struct {
	ToUserID string `json:"toUserId"`
}

func decodeAction(data []byte, action *Action) error {
	if err := json.Unmarshal(bytes.TrimSpace(data), action); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}
	if action.Type == "" {
		return fmt.Errorf("action missing type")
	}
	return nil
}
