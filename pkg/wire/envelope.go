// Package wire defines the JSON message envelope and the fixed event
// vocabulary spoken on the realtime topics. Every payload type in the
// vocabulary implements Event, and DecodeEvent is the single place a raw
// envelope becomes a typed value; adding a new event type means adding a
// case there and nowhere else.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates envelope payloads.
type EventType string

const (
	EventPresence     EventType = "presence"
	EventHeartbeat    EventType = "heartbeat"
	EventNotification EventType = "notification"
	EventMomentChat   EventType = "momentChat"
	EventTest         EventType = "test"
)

// Source identifies which side of the connection produced a message.
type Source string

const (
	SourceServer Source = "server"
	SourceClient Source = "client"
)

// PresenceStatus is a user's live connectivity status.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusIdle    PresenceStatus = "idle"
	StatusOffline PresenceStatus = "offline"
)

// Valid reports whether s is one of the three known statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusOffline:
		return true
	}
	return false
}

// Envelope is the wire format for every message on the realtime topics.
type Envelope struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Source    Source          `json:"source"`
}

// Event is implemented by every payload in the event vocabulary.
type Event interface {
	eventType() EventType
}

// PresenceEvent announces a status change for a user to their relationship.
type PresenceEvent struct {
	UserID   string         `json:"userId"`
	Username string         `json:"username"`
	Status   PresenceStatus `json:"status"`
}

// HeartbeatEvent is the periodic liveness signal from an active connection.
type HeartbeatEvent struct {
	UserID         string `json:"userId"`
	RelationshipID string `json:"relationshipId"`
	Username       string `json:"username"`
	SentAtEpochMs  int64  `json:"sentAt"`
}

// NotificationEvent carries a notification delivered over the live channel.
type NotificationEvent struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	OpenURL  string            `json:"openUrl,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MomentChatEvent is a chat message scoped to a moment thread.
type MomentChatEvent struct {
	MomentID string `json:"momentId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

// TestEvent is an operator smoke-test message; consumers log and drop it.
type TestEvent struct {
	Message string `json:"message"`
}

func (PresenceEvent) eventType() EventType     { return EventPresence }
func (HeartbeatEvent) eventType() EventType    { return EventHeartbeat }
func (NotificationEvent) eventType() EventType { return EventNotification }
func (MomentChatEvent) eventType() EventType   { return EventMomentChat }
func (TestEvent) eventType() EventType         { return EventTest }

// NewEnvelope wraps an event in an envelope stamped with the current time.
func NewEnvelope(ev Event, source Source) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", ev.eventType(), err)
	}
	return Envelope{
		Type:      ev.eventType(),
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		Source:    source,
	}, nil
}

// Encode marshals an envelope for publishing.
func Encode(ev Event, source Source) ([]byte, error) {
	env, err := NewEnvelope(ev, source)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses raw bytes into an envelope without touching the payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// DecodeEvent resolves an envelope's payload to its typed event. An
// unrecognized type is an error: the vocabulary is closed.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case EventPresence:
		var ev PresenceEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode presence payload: %w", err)
		}
		return ev, nil
	case EventHeartbeat:
		var ev HeartbeatEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode heartbeat payload: %w", err)
		}
		return ev, nil
	case EventNotification:
		var ev NotificationEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode notification payload: %w", err)
		}
		return ev, nil
	case EventMomentChat:
		var ev MomentChatEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode momentChat payload: %w", err)
		}
		return ev, nil
	case EventTest:
		var ev TestEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode test payload: %w", err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
