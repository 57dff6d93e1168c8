package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/jwt/v2"

	"github.com/duet-app/duet-realtime/pkg/directory"
	"github.com/duet-app/duet-realtime/pkg/topics"
)

// TokenKind is the second field of a connection token.
type TokenKind string

const (
	KindRelationshipUser TokenKind = "RELATIONSHIP_USER"
	KindGlobal           TokenKind = "GLOBAL"
	KindUnknown          TokenKind = "UNKNOWN"
)

const tokenDelimiter = "::"

// ConnectionToken is the parsed form of the opaque token presented on
// connect: clientId::tokenKind::scopeArgument. Tokens are parsed fresh on
// every authorization request and never cached as trusted.
type ConnectionToken struct {
	ClientID string
	Kind     TokenKind
	Scope    string // relationship id for RELATIONSHIP_USER tokens
}

// ParseConnectionToken splits a raw token. Anything malformed comes back as
// KindUnknown, which resolves to an empty grant set.
func ParseConnectionToken(raw string) ConnectionToken {
	parts := strings.Split(raw, tokenDelimiter)
	if len(parts) < 2 {
		return ConnectionToken{ClientID: raw, Kind: KindUnknown}
	}
	tok := ConnectionToken{ClientID: parts[0]}
	switch TokenKind(parts[1]) {
	case KindRelationshipUser:
		tok.Kind = KindRelationshipUser
	case KindGlobal:
		tok.Kind = KindGlobal
	default:
		tok.Kind = KindUnknown
	}
	if len(parts) > 2 {
		tok.Scope = parts[2]
	}
	return tok
}

// UserID extracts the user id embedded in browser client ids of the form
// "u-{userId}-{nonce}". Returns "" when the client id carries no user
// identity.
func (t ConnectionToken) UserID() string {
	parts := strings.SplitN(t.ClientID, "-", 3)
	if len(parts) < 3 || parts[0] != "u" || parts[1] == "" {
		return ""
	}
	return parts[1]
}

// Grants are the subject sets a connection may subscribe to and publish on.
// Empty sets are the deny-by-default answer, not an error.
type Grants struct {
	Subscribe []string
	Publish   []string
}

func (g Grants) Empty() bool { return len(g.Subscribe) == 0 && len(g.Publish) == 0 }

// Authorizer resolves connection tokens to topic grants.
type Authorizer struct {
	relationships directory.Relationships
	ns            topics.Namespace
}

func NewAuthorizer(relationships directory.Relationships, ns topics.Namespace) *Authorizer {
	return &Authorizer{relationships: relationships, ns: ns}
}

// ResolveGrants maps a raw token to its grant sets. Evaluated on every
// connect; the broker enforces the result on each subscribe and publish.
func (a *Authorizer) ResolveGrants(ctx context.Context, raw string) Grants {
	tok := ParseConnectionToken(raw)
	switch tok.Kind {
	case KindGlobal:
		// Trusted server-side producers only; never issued to browsers.
		all := a.ns.All()
		return Grants{Subscribe: []string{all}, Publish: []string{all}}
	case KindRelationshipUser:
		return a.relationshipUserGrants(ctx, tok)
	default:
		return Grants{}
	}
}

func (a *Authorizer) relationshipUserGrants(ctx context.Context, tok ConnectionToken) Grants {
	relID := tok.Scope
	if relID == "" {
		return Grants{}
	}
	relSubject := a.ns.Relationship(relID)
	chatSubjects := a.ns.MomentChatWildcard(relID)

	g := Grants{
		Subscribe: []string{relSubject, chatSubjects},
		Publish:   []string{relSubject, chatSubjects, a.ns.Heartbeat(relID)},
	}

	userID := tok.UserID()
	if userID == "" {
		return g
	}
	own := a.ns.Notifications(userID)
	g.Subscribe = append(g.Subscribe, own)
	g.Publish = append(g.Publish, own)

	// Publish-only on each partner's private channel: a user may notify
	// their partner but never read the partner's notifications.
	rel, err := a.relationships.GetRelationshipByID(ctx, relID)
	if err != nil {
		slog.WarnContext(ctx, "Partner lookup failed, omitting partner grant", "relationship", relID, "error", err)
		return g
	}
	for _, peer := range rel.Peers(userID) {
		g.Publish = append(g.Publish, a.ns.Notifications(peer))
	}
	return g
}

// servicePermissions is the grant set for authenticated backend services.
// They own the internal command subjects and the full topic root, so the
// grant is unrestricted.
func servicePermissions() jwt.Permissions {
	return jwt.Permissions{
		Pub: jwt.Permission{Allow: jwt.StringList{">"}},
		Sub: jwt.Permission{Allow: jwt.StringList{">"}},
	}
}

// Permissions converts grants to NATS user permissions. Empty grants become
// an explicit deny-all: the handshake completes but no subject is reachable.
func (g Grants) Permissions() jwt.Permissions {
	if g.Empty() {
		return jwt.Permissions{
			Pub: jwt.Permission{Deny: jwt.StringList{">"}},
			Sub: jwt.Permission{Deny: jwt.StringList{">"}},
		}
	}
	perms := jwt.Permissions{
		Pub: jwt.Permission{Allow: append(jwt.StringList{}, g.Publish...)},
		Sub: jwt.Permission{Allow: append(jwt.StringList{}, g.Subscribe...)},
	}
	perms.Sub.Allow = append(perms.Sub.Allow, "_INBOX.>")
	perms.Resp = &jwt.ResponsePermission{
		MaxMsgs: 1,
		Expires: 5 * time.Minute,
	}
	return perms
}
