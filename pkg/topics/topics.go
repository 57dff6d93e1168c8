// Package topics builds the subject namespace for the realtime broker.
//
// Layout, under a configurable root:
//
//	{root}.{relationshipId}                        relationship-wide events
//	{root}.{relationshipId}.momentChat.{momentId}  per-thread chat
//	{root}.{relationshipId}.heartbeat              heartbeat publishes
//	{root}.{userId}.notifications                  private per-user channel
package topics

import "strings"

const DefaultRoot = "duet"

// Namespace builds concrete subjects and wildcard patterns under a root.
type Namespace struct {
	root string
}

func New(root string) Namespace {
	if root == "" {
		root = DefaultRoot
	}
	return Namespace{root: root}
}

func (n Namespace) Root() string { return n.root }

// Relationship is the relationship-wide event subject.
func (n Namespace) Relationship(relationshipID string) string {
	return n.root + "." + relationshipID
}

// MomentChat is the subject for a single moment's chat thread.
func (n Namespace) MomentChat(relationshipID, momentID string) string {
	return n.root + "." + relationshipID + ".momentChat." + momentID
}

// MomentChatWildcard matches every chat thread in a relationship.
func (n Namespace) MomentChatWildcard(relationshipID string) string {
	return n.root + "." + relationshipID + ".momentChat.>"
}

// Heartbeat is the heartbeat publish subject for a relationship.
func (n Namespace) Heartbeat(relationshipID string) string {
	return n.root + "." + relationshipID + ".heartbeat"
}

// Notifications is a user's private notification subject.
func (n Namespace) Notifications(userID string) string {
	return n.root + "." + userID + ".notifications"
}

// RelationshipWildcard matches every relationship-wide subject.
func (n Namespace) RelationshipWildcard() string {
	return n.root + ".*"
}

// HeartbeatWildcard matches every relationship's heartbeat subject.
func (n Namespace) HeartbeatWildcard() string {
	return n.root + ".*.heartbeat"
}

// All matches everything under the root. Granted only to trusted
// server-side producers.
func (n Namespace) All() string {
	return n.root + ".>"
}

// RelationshipFromSubject extracts the relationship id from a subject under
// the root, or "" if the subject does not belong to this namespace.
func (n Namespace) RelationshipFromSubject(subject string) string {
	rest, ok := strings.CutPrefix(subject, n.root+".")
	if !ok || rest == "" {
		return ""
	}
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		return rest[:i]
	}
	return rest
}
