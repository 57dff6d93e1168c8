package wire

import (
	"encoding/json"
	"testing"
)

func TestDecodeEvent_Vocabulary(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Event
		wantErr bool
	}{
		{
			name: "presence",
			raw:  `{"type":"presence","payload":{"userId":"u1","username":"alice","status":"online"},"timestamp":1,"source":"client"}`,
			want: PresenceEvent{UserID: "u1", Username: "alice", Status: StatusOnline},
		},
		{
			name: "heartbeat",
			raw:  `{"type":"heartbeat","payload":{"userId":"u1","relationshipId":"r1","username":"alice","sentAt":42},"timestamp":1,"source":"client"}`,
			want: HeartbeatEvent{UserID: "u1", RelationshipID: "r1", Username: "alice", SentAtEpochMs: 42},
		},
		{
			name: "notification",
			raw:  `{"type":"notification","payload":{"title":"Hi","body":"Hey there"},"timestamp":1,"source":"server"}`,
			want: NotificationEvent{Title: "Hi", Body: "Hey there"},
		},
		{
			name: "momentChat",
			raw:  `{"type":"momentChat","payload":{"momentId":"m1","userId":"u1","username":"alice","text":"hello"},"timestamp":1,"source":"client"}`,
			want: MomentChatEvent{MomentID: "m1", UserID: "u1", Username: "alice", Text: "hello"},
		},
		{
			name: "test",
			raw:  `{"type":"test","payload":{"message":"ping"},"timestamp":1,"source":"server"}`,
			want: TestEvent{Message: "ping"},
		},
		{
			name:    "unknown type",
			raw:     `{"type":"mystery","payload":{},"timestamp":1,"source":"client"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeEnvelope: %v", err)
			}
			got, err := DecodeEvent(env)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error for unknown event type")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("got %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(PresenceEvent{UserID: "u1", Username: "alice", Status: StatusOffline}, SourceServer)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Type != EventPresence {
		t.Errorf("Type = %q, want %q", env.Type, EventPresence)
	}
	if env.Source != SourceServer {
		t.Errorf("Source = %q, want %q", env.Source, SourceServer)
	}
	if env.Timestamp == 0 {
		t.Error("Timestamp not stamped")
	}

	ev, err := DecodeEvent(env)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	pe, ok := ev.(PresenceEvent)
	if !ok {
		t.Fatalf("decoded %T, want PresenceEvent", ev)
	}
	if pe.Status != StatusOffline {
		t.Errorf("Status = %q, want %q", pe.Status, StatusOffline)
	}
}

func TestPresenceStatus_Valid(t *testing.T) {
	for _, s := range []PresenceStatus{StatusOnline, StatusIdle, StatusOffline} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if PresenceStatus("busy").Valid() {
		t.Error("busy should not be valid")
	}
}
