package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/duet-app/duet-realtime/pkg/directory"
	"github.com/duet-app/duet-realtime/pkg/realtime"
	"github.com/duet-app/duet-realtime/pkg/topics"
	"github.com/duet-app/duet-realtime/pkg/wire"
)

// presenceEntry is the tracker's last known view of one user.
type presenceEntry struct {
	status         wire.PresenceStatus
	relationshipID string
	username       string
	lastActivity   time.Time
}

// PresenceTracker holds the soft presence state and owns the transition
// dedup: a repeated status is neither re-persisted nor re-emitted, so
// partners only see actual changes.
//
// Every replica tracks the full event stream, but only the leader persists
// and emits; followers converge on the leader's emissions through Observe.
// One client transition therefore produces exactly one directory write and
// one presence event cluster-wide.
type PresenceTracker struct {
	mu      sync.Mutex
	entries map[string]*presenceEntry

	users directory.Users
	pub   realtime.Publisher
	ns    topics.Namespace

	idleAfter time.Duration
	now       func() time.Time
	isLeader  func() bool

	transitions metric.Int64Counter
}

// NewPresenceTracker builds a tracker. A nil isLeader means this instance
// always persists and emits (single-replica and test runs).
func NewPresenceTracker(users directory.Users, pub realtime.Publisher, ns topics.Namespace, idleAfter time.Duration, isLeader func() bool, meter metric.Meter) *PresenceTracker {
	transitions, err := meter.Int64Counter("presence_transitions_total",
		metric.WithDescription("Presence status transitions applied"))
	if err != nil {
		slog.Warn("Failed to create presence transition counter", "error", err)
	}
	return &PresenceTracker{
		entries:     make(map[string]*presenceEntry),
		users:       users,
		pub:         pub,
		ns:          ns,
		idleAfter:   idleAfter,
		now:         time.Now,
		isLeader:    isLeader,
		transitions: transitions,
	}
}

// SetStatus applies an observed status for a user. A repeat of the current
// status only refreshes the activity clock.
func (t *PresenceTracker) SetStatus(ctx context.Context, userID, relationshipID, username string, status wire.PresenceStatus) {
	if !status.Valid() {
		slog.WarnContext(ctx, "Ignoring unknown presence status", "user", userID, "status", status)
		return
	}
	t.mu.Lock()
	e := t.entries[userID]
	if e == nil {
		e = &presenceEntry{}
		t.entries[userID] = e
	}
	if relationshipID != "" {
		e.relationshipID = relationshipID
	}
	if username != "" {
		e.username = username
	}
	if status == wire.StatusOnline {
		e.lastActivity = t.now()
	}
	if e.status == status {
		t.mu.Unlock()
		return
	}
	e.status = status
	relID, name := e.relationshipID, e.username
	t.mu.Unlock()

	t.persistAndEmit(ctx, userID, relID, name, status)
}

// Activity notes a user-visible action. Idle and offline users come back
// online; for online users it only refreshes the idle clock.
func (t *PresenceTracker) Activity(ctx context.Context, userID, relationshipID, username string) {
	t.SetStatus(ctx, userID, relationshipID, username, wire.StatusOnline)
}

// CheckIdle moves users whose last activity predates the idle window from
// online to idle. Called on a timer.
func (t *PresenceTracker) CheckIdle(ctx context.Context) {
	now := t.now()

	type idler struct {
		userID, relationshipID, username string
	}
	var idlers []idler

	t.mu.Lock()
	for userID, e := range t.entries {
		if e.status == wire.StatusOnline && now.Sub(e.lastActivity) >= t.idleAfter {
			e.status = wire.StatusIdle
			idlers = append(idlers, idler{userID, e.relationshipID, e.username})
		}
	}
	t.mu.Unlock()

	for _, u := range idlers {
		t.persistAndEmit(ctx, u.userID, u.relationshipID, u.username, wire.StatusIdle)
	}
}

// Observe applies a status the cluster has already announced, without
// persisting or re-emitting it. Followers feed the leader's presence
// emissions through here so their view stays converged for failover.
func (t *PresenceTracker) Observe(userID, relationshipID, username string, status wire.PresenceStatus) {
	if !status.Valid() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[userID]
	if e == nil {
		e = &presenceEntry{}
		t.entries[userID] = e
	}
	if relationshipID != "" {
		e.relationshipID = relationshipID
	}
	if username != "" {
		e.username = username
	}
	if status == wire.StatusOnline {
		e.lastActivity = t.now()
	}
	e.status = status
}

// Forget drops the in-memory entry. The sweeper calls this after forcing a
// user offline so a later heartbeat starts from a clean slate.
func (t *PresenceTracker) Forget(userID string) {
	t.mu.Lock()
	delete(t.entries, userID)
	t.mu.Unlock()
}

func (t *PresenceTracker) persistAndEmit(ctx context.Context, userID, relationshipID, username string, status wire.PresenceStatus) {
	if t.isLeader != nil && !t.isLeader() {
		return
	}
	if err := t.users.UpdateStatus(ctx, userID, status); err != nil {
		// Soft state; the next transition or sweep re-converges.
		slog.WarnContext(ctx, "Failed to persist presence status", "user", userID, "status", status, "error", err)
	}
	if t.transitions != nil {
		t.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	if relationshipID == "" {
		slog.WarnContext(ctx, "No relationship for presence event", "user", userID)
		return
	}
	data, err := wire.Encode(wire.PresenceEvent{UserID: userID, Username: username, Status: status}, wire.SourceServer)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode presence event", "user", userID, "error", err)
		return
	}
	if err := t.pub.Publish(ctx, t.ns.Relationship(relationshipID), data); err != nil {
		slog.WarnContext(ctx, "Failed to publish presence event", "user", userID, "error", err)
	}
}
