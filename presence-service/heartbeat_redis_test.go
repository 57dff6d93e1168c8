package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisHeartbeatStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisHeartbeatStore(rdb, "presence"), srv
}

func TestRedisStoreExpiryBoundExclusive(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	if err := store.Record(ctx, HeartbeatRecord{
		UserID:            "alice",
		RelationshipID:    "r1",
		Username:          "Alice",
		LastSeenAtEpochMs: 5000,
	}); err != nil {
		t.Fatal(err)
	}

	// A record last seen exactly at the cutoff is still live.
	expired, err := store.ListExpiredBefore(ctx, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Errorf("record at the cutoff reported expired: %v", expired)
	}

	expired, err = store.ListExpiredBefore(ctx, 5001)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 {
		t.Fatalf("got %d expired records, want 1", len(expired))
	}
	want := HeartbeatRecord{UserID: "alice", RelationshipID: "r1", Username: "Alice", LastSeenAtEpochMs: 5000}
	if expired[0] != want {
		t.Errorf("record = %+v, want %+v", expired[0], want)
	}
}

func TestRedisStoreLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	for _, ts := range []int64{1000, 60000} {
		if err := store.Record(ctx, HeartbeatRecord{
			UserID:            "alice",
			RelationshipID:    "r1",
			LastSeenAtEpochMs: ts,
		}); err != nil {
			t.Fatal(err)
		}
	}

	expired, err := store.ListExpiredBefore(ctx, 30000)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Errorf("refreshed record reported expired: %v", expired)
	}

	expired, err = store.ListExpiredBefore(ctx, 70000)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].LastSeenAtEpochMs != 60000 {
		t.Errorf("expired = %v, want one record at the refreshed timestamp", expired)
	}
}

func TestRedisStoreDeleteMany(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	recs := []HeartbeatRecord{
		{UserID: "alice", RelationshipID: "r1", LastSeenAtEpochMs: 1000},
		{UserID: "bob", RelationshipID: "r1", LastSeenAtEpochMs: 2000},
	}
	for _, rec := range recs {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.DeleteMany(ctx, recs[:1]); err != nil {
		t.Fatal(err)
	}

	expired, err := store.ListExpiredBefore(ctx, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].UserID != "bob" {
		t.Errorf("expired = %v, want only bob", expired)
	}
}

func TestRedisStoreSurvivesMissingMetadata(t *testing.T) {
	ctx := context.Background()
	store, srv := newRedisStore(t)

	if err := store.Record(ctx, HeartbeatRecord{
		UserID:            "alice",
		RelationshipID:    "r1",
		Username:          "Alice",
		LastSeenAtEpochMs: 1000,
	}); err != nil {
		t.Fatal(err)
	}
	// Lose the metadata hash while the index entry survives.
	srv.Del(store.metaKey("alice"))

	expired, err := store.ListExpiredBefore(ctx, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 {
		t.Fatalf("got %d expired records, want the bare index entry", len(expired))
	}
	if expired[0].UserID != "alice" || expired[0].RelationshipID != "" {
		t.Errorf("record = %+v, want alice with empty metadata", expired[0])
	}
}
