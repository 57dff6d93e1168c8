package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisPushSubscriptions stores push subscriptions in a per-user hash,
// keyed by endpoint. Registering the same endpoint twice overwrites.
type RedisPushSubscriptions struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisPushSubscriptions(rdb *redis.Client, prefix string) *RedisPushSubscriptions {
	if prefix == "" {
		prefix = "push"
	}
	return &RedisPushSubscriptions{rdb: rdb, prefix: prefix}
}

func (s *RedisPushSubscriptions) key(userID string) string {
	return s.prefix + ":subs:" + userID
}

func (s *RedisPushSubscriptions) ForUser(ctx context.Context, userID string) ([]PushSubscription, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", userID, err)
	}
	subs := make([]PushSubscription, 0, len(fields))
	for endpoint, raw := range fields {
		var sub PushSubscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			slog.Warn("Dropping undecodable push subscription", "user", userID, "endpoint", endpoint, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *RedisPushSubscriptions) Put(ctx context.Context, sub PushSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.key(sub.UserID), sub.Endpoint, raw).Err(); err != nil {
		return fmt.Errorf("store subscription for %s: %w", sub.UserID, err)
	}
	return nil
}

func (s *RedisPushSubscriptions) Delete(ctx context.Context, userID, endpoint string) error {
	if err := s.rdb.HDel(ctx, s.key(userID), endpoint).Err(); err != nil {
		return fmt.Errorf("delete subscription for %s: %w", userID, err)
	}
	return nil
}
