package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// HeartbeatRecord is the durable last-seen record for one user's connection.
type HeartbeatRecord struct {
	UserID            string
	RelationshipID    string
	Username          string
	LastSeenAtEpochMs int64
}

// HeartbeatStore persists heartbeat records keyed by user id. Writes are
// last-write-wins; ordering across a user's connections is not guaranteed.
type HeartbeatStore interface {
	Record(ctx context.Context, rec HeartbeatRecord) error
	ListExpiredBefore(ctx context.Context, cutoffEpochMs int64) ([]HeartbeatRecord, error)
	DeleteMany(ctx context.Context, recs []HeartbeatRecord) error
}

// RedisHeartbeatStore keeps one record per user: membership in a sorted set
// scored by last-seen, so the expiry scan is a range query rather than a
// full keyspace walk, plus a hash with the relationship metadata.
type RedisHeartbeatStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisHeartbeatStore(rdb *redis.Client, prefix string) *RedisHeartbeatStore {
	if prefix == "" {
		prefix = "presence"
	}
	return &RedisHeartbeatStore{rdb: rdb, prefix: prefix}
}

func (s *RedisHeartbeatStore) indexKey() string { return s.prefix + ":lastseen" }

func (s *RedisHeartbeatStore) metaKey(userID string) string { return s.prefix + ":hb:" + userID }

func (s *RedisHeartbeatStore) Record(ctx context.Context, rec HeartbeatRecord) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(rec.LastSeenAtEpochMs),
		Member: rec.UserID,
	})
	pipe.HSet(ctx, s.metaKey(rec.UserID),
		"relationshipId", rec.RelationshipID,
		"username", rec.Username,
		"lastSeen", rec.LastSeenAtEpochMs,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record heartbeat for %s: %w", rec.UserID, err)
	}
	return nil
}

// ListExpiredBefore returns every record last seen strictly before cutoff.
func (s *RedisHeartbeatStore) ListExpiredBefore(ctx context.Context, cutoffEpochMs int64) ([]HeartbeatRecord, error) {
	userIDs, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoffEpochMs, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired heartbeats: %w", err)
	}

	records := make([]HeartbeatRecord, 0, len(userIDs))
	for _, userID := range userIDs {
		fields, err := s.rdb.HGetAll(ctx, s.metaKey(userID)).Result()
		if err != nil {
			slog.Warn("Failed to load heartbeat metadata", "user", userID, "error", err)
			fields = map[string]string{}
		}
		lastSeen, _ := strconv.ParseInt(fields["lastSeen"], 10, 64)
		records = append(records, HeartbeatRecord{
			UserID:            userID,
			RelationshipID:    fields["relationshipId"],
			Username:          fields["username"],
			LastSeenAtEpochMs: lastSeen,
		})
	}
	return records, nil
}

// DeleteMany removes records one at a time; a failed delete is logged and
// does not block the rest. The next sweep picks up any leftovers.
func (s *RedisHeartbeatStore) DeleteMany(ctx context.Context, recs []HeartbeatRecord) error {
	for _, rec := range recs {
		pipe := s.rdb.TxPipeline()
		pipe.ZRem(ctx, s.indexKey(), rec.UserID)
		pipe.Del(ctx, s.metaKey(rec.UserID))
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Warn("Failed to delete heartbeat record", "user", rec.UserID, "error", err)
		}
	}
	return nil
}

// MemoryHeartbeatStore backs tests and single-node local runs.
type MemoryHeartbeatStore struct {
	mu      sync.Mutex
	records map[string]HeartbeatRecord
}

func NewMemoryHeartbeatStore() *MemoryHeartbeatStore {
	return &MemoryHeartbeatStore{records: make(map[string]HeartbeatRecord)}
}

func (s *MemoryHeartbeatStore) Record(_ context.Context, rec HeartbeatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = rec
	return nil
}

func (s *MemoryHeartbeatStore) ListExpiredBefore(_ context.Context, cutoffEpochMs int64) ([]HeartbeatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []HeartbeatRecord
	for _, rec := range s.records {
		if rec.LastSeenAtEpochMs < cutoffEpochMs {
			expired = append(expired, rec)
		}
	}
	return expired, nil
}

func (s *MemoryHeartbeatStore) DeleteMany(_ context.Context, recs []HeartbeatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		delete(s.records, rec.UserID)
	}
	return nil
}

// Len reports the number of live records.
func (s *MemoryHeartbeatStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
