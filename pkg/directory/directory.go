// Package directory defines the external collaborators the realtime core
// consumes: the user/relationship directory and the push subscription store.
// The core reads users and relationships, writes presence status back, and
// never owns the records themselves.
package directory

import (
	"context"
	"errors"

	"github.com/duet-app/duet-realtime/pkg/wire"
)

// ErrNotFound is returned when a user, relationship, or subscription does
// not exist. Callers treat it as a skip, not a failure.
var ErrNotFound = errors.New("directory: not found")

// User is the slice of the directory's user record this core touches.
type User struct {
	ID             string
	Username       string
	RelationshipID string
	Status         wire.PresenceStatus
}

// Relationship is a association between users. Participants is a set rather
// than a fixed pair so fan-out code carries no arity assumption; today the
// directory always returns two.
type Relationship struct {
	ID           string
	Participants []string
}

// Peers returns every participant other than userID.
func (r Relationship) Peers(userID string) []string {
	peers := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p != userID {
			peers = append(peers, p)
		}
	}
	return peers
}

// Users is the user directory surface consumed by this core.
type Users interface {
	GetUserByID(ctx context.Context, id string) (User, error)
	UpdateStatus(ctx context.Context, id string, status wire.PresenceStatus) error
}

// Relationships is the relationship directory surface, read-only.
type Relationships interface {
	GetRelationshipByID(ctx context.Context, id string) (Relationship, error)
}

// PushSubscription is one registered push endpoint for a user.
type PushSubscription struct {
	UserID   string            `json:"userId"`
	Endpoint string            `json:"endpoint"`
	Keys     map[string]string `json:"keys,omitempty"`
}

// PushSubscriptions is a keyed store of push subscriptions per user.
type PushSubscriptions interface {
	ForUser(ctx context.Context, userID string) ([]PushSubscription, error)
	Put(ctx context.Context, sub PushSubscription) error
	Delete(ctx context.Context, userID, endpoint string) error
}

// PushSender delivers a payload to one subscription over the asynchronous
// push channel.
type PushSender interface {
	Send(ctx context.Context, sub PushSubscription, payload []byte) error
}
