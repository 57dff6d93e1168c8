package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/duet-app/duet-realtime/pkg/realtime"
)

// DefaultPushSubject is where push commands are handed to the external
// push worker.
const DefaultPushSubject = "push.send"

// pushCommand is the message the external push worker consumes.
type pushCommand struct {
	ID           string           `json:"id"`
	Subscription PushSubscription `json:"subscription"`
	Payload      json.RawMessage  `json:"payload"`
}

// BrokerPushSender implements PushSender by publishing push commands for
// the external push worker. Actual delivery to the push service is that
// worker's job; a successful publish is a successful hand-off.
type BrokerPushSender struct {
	pub     realtime.Publisher
	subject string
}

func NewBrokerPushSender(pub realtime.Publisher, subject string) *BrokerPushSender {
	if subject == "" {
		subject = DefaultPushSubject
	}
	return &BrokerPushSender{pub: pub, subject: subject}
}

func (s *BrokerPushSender) Send(ctx context.Context, sub PushSubscription, payload []byte) error {
	cmd := pushCommand{
		ID:           uuid.NewString(),
		Subscription: sub,
		Payload:      payload,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal push command: %w", err)
	}
	if err := s.pub.Publish(ctx, s.subject, data); err != nil {
		return fmt.Errorf("publish push command for %s: %w", sub.UserID, err)
	}
	return nil
}
