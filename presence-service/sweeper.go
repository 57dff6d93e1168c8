package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/duet-app/duet-realtime/pkg/directory"
	"github.com/duet-app/duet-realtime/pkg/realtime"
	"github.com/duet-app/duet-realtime/pkg/topics"
	"github.com/duet-app/duet-realtime/pkg/wire"
)

// Sweeper expires connections that stopped heartbeating: it deletes their
// records, marks the users offline, and tells the affected relationships.
type Sweeper struct {
	store   HeartbeatStore
	users   directory.Users
	dialer  realtime.Dialer
	tracker *PresenceTracker
	ns      topics.Namespace
	ttl     time.Duration
	now     func() time.Time

	sweeps  metric.Int64Counter
	expired metric.Int64Counter
}

func NewSweeper(store HeartbeatStore, users directory.Users, dialer realtime.Dialer, tracker *PresenceTracker, ns topics.Namespace, ttl time.Duration, meter metric.Meter) *Sweeper {
	sweeps, err := meter.Int64Counter("presence_sweeps_total",
		metric.WithDescription("Expiry sweep passes completed"))
	if err != nil {
		slog.Warn("Failed to create sweep counter", "error", err)
	}
	expired, err := meter.Int64Counter("presence_expired_users_total",
		metric.WithDescription("Users forced offline by the sweeper"))
	if err != nil {
		slog.Warn("Failed to create expiry counter", "error", err)
	}
	return &Sweeper{
		store:   store,
		users:   users,
		dialer:  dialer,
		tracker: tracker,
		ns:      ns,
		ttl:     ttl,
		now:     time.Now,
		sweeps:  sweeps,
		expired: expired,
	}
}

// Sweep runs one expiry pass. State corrections (record deletion, offline
// marking) complete before the notification phase, so a broker outage
// leaves the stores correct and costs only the live event.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	expired, err := s.store.ListExpiredBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list expired heartbeats: %w", err)
	}
	if s.sweeps != nil {
		s.sweeps.Add(ctx, 1)
	}
	if len(expired) == 0 {
		return nil
	}

	if err := s.store.DeleteMany(ctx, expired); err != nil {
		slog.WarnContext(ctx, "Heartbeat cleanup incomplete", "error", err)
	}

	byUser := make(map[string]HeartbeatRecord, len(expired))
	for _, rec := range expired {
		byUser[rec.UserID] = rec
	}

	var wg sync.WaitGroup
	for userID := range byUser {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.users.UpdateStatus(ctx, id, wire.StatusOffline); err != nil {
				slog.WarnContext(ctx, "Failed to mark expired user offline", "user", id, "error", err)
			}
			if s.tracker != nil {
				s.tracker.Forget(id)
			}
		}(userID)
	}
	wg.Wait()

	if s.expired != nil {
		s.expired.Add(ctx, int64(len(byUser)))
	}
	slog.InfoContext(ctx, "Swept expired connections", "users", len(byUser))

	s.notifyRelationships(ctx, byUser)
	return nil
}

// notifyRelationships emits offline presence events over a dedicated
// connection. It joins every implicated relationship topic before
// publishing, the same order a client follows. Failure here is non-fatal.
func (s *Sweeper) notifyRelationships(ctx context.Context, byUser map[string]HeartbeatRecord) {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Skipping sweep notifications, broker unreachable", "error", err)
		return
	}
	defer conn.Close()

	rels := make(map[string]struct{}, len(byUser))
	for _, rec := range byUser {
		if rec.RelationshipID != "" {
			rels[rec.RelationshipID] = struct{}{}
		}
	}
	for relID := range rels {
		if err := conn.Subscribe(s.ns.Relationship(relID), func(string, []byte) {}); err != nil {
			slog.WarnContext(ctx, "Failed to join relationship topic", "relationship", relID, "error", err)
		}
	}

	for _, rec := range byUser {
		if rec.RelationshipID == "" {
			continue
		}
		data, err := wire.Encode(wire.PresenceEvent{
			UserID:   rec.UserID,
			Username: rec.Username,
			Status:   wire.StatusOffline,
		}, wire.SourceServer)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to encode offline event", "user", rec.UserID, "error", err)
			continue
		}
		if err := conn.Publish(ctx, s.ns.Relationship(rec.RelationshipID), data); err != nil {
			slog.WarnContext(ctx, "Failed to publish offline event", "user", rec.UserID, "error", err)
		}
	}
}

// Run sweeps on a fixed interval until ctx is done. isLeader gates the pass
// so only one replica sweeps at a time.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, isLeader func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if isLeader != nil && !isLeader() {
				continue
			}
			if err := s.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "Sweep failed", "error", err)
			}
		}
	}
}
