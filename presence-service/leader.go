package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SweepLeader elects one presence replica to run the expiry sweep. The
// lease is a JetStream KV entry with a TTL; whoever holds the key sweeps.
type SweepLeader struct {
	kv           jetstream.KeyValue
	instanceID   string
	key          string
	ttl          time.Duration
	heartbeatInt time.Duration
	isLeader     atomic.Bool
}

func NewSweepLeader(js jetstream.JetStream, bucket, key string, ttl, heartbeatInt time.Duration) (*SweepLeader, error) {
	kv, err := js.CreateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create leader KV bucket: %w", err)
	}

	b := make([]byte, 4)
	rand.Read(b)
	instanceID := hex.EncodeToString(b)

	return &SweepLeader{
		kv:           kv,
		instanceID:   instanceID,
		key:          key,
		ttl:          ttl,
		heartbeatInt: heartbeatInt,
	}, nil
}

func (le *SweepLeader) InstanceID() string {
	return le.instanceID
}

func (le *SweepLeader) IsLeader() bool {
	return le.isLeader.Load()
}

// Run campaigns and renews until ctx is done, then steps down.
func (le *SweepLeader) Run(ctx context.Context) {
	ticker := time.NewTicker(le.heartbeatInt)
	defer ticker.Stop()

	le.tryBecomeLeader(ctx)

	for {
		select {
		case <-ctx.Done():
			le.stepDown()
			return
		case <-ticker.C:
			if le.isLeader.Load() {
				le.renewLeadership(ctx)
			} else {
				le.tryBecomeLeader(ctx)
			}
		}
	}
}

func (le *SweepLeader) tryBecomeLeader(ctx context.Context) {
	_, err := le.kv.Create(ctx, le.key, []byte(le.instanceID))
	if err == nil {
		le.isLeader.Store(true)
		slog.Info("Became sweep leader", "instance_id", le.instanceID, "key", le.key)
		return
	}

	entry, err := le.kv.Get(ctx, le.key)
	if err != nil {
		slog.Debug("No current sweep leader, will retry", "error", err)
		return
	}

	if string(entry.Value()) == le.instanceID {
		le.isLeader.Store(true)
	}
}

func (le *SweepLeader) renewLeadership(ctx context.Context) {
	entry, err := le.kv.Get(ctx, le.key)
	if err != nil {
		slog.Warn("Lost sweep leadership - key not found", "instance_id", le.instanceID)
		le.isLeader.Store(false)
		return
	}

	if current := string(entry.Value()); current != le.instanceID {
		slog.Warn("Lost sweep leadership - another instance is leader", "instance_id", le.instanceID, "current_leader", current)
		le.isLeader.Store(false)
		return
	}

	if _, err := le.kv.Update(ctx, le.key, []byte(le.instanceID), entry.Revision()); err != nil {
		slog.Warn("Failed to renew sweep leadership", "instance_id", le.instanceID, "error", err)
		le.isLeader.Store(false)
	}
}

func (le *SweepLeader) stepDown() {
	if !le.isLeader.Load() {
		return
	}
	entry, err := le.kv.Get(context.Background(), le.key)
	if err == nil && string(entry.Value()) == le.instanceID {
		le.kv.Delete(context.Background(), le.key)
		slog.Info("Stepped down as sweep leader", "instance_id", le.instanceID)
	}
	le.isLeader.Store(false)
}
