package main

import (
	"context"
	"testing"
)

func TestMemoryStoreListExpiredBefore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryHeartbeatStore()

	records := []HeartbeatRecord{
		{UserID: "alice", RelationshipID: "r1", Username: "Alice", LastSeenAtEpochMs: 1000},
		{UserID: "bob", RelationshipID: "r1", Username: "Bob", LastSeenAtEpochMs: 5000},
		{UserID: "carol", RelationshipID: "r2", Username: "Carol", LastSeenAtEpochMs: 9000},
	}
	for _, rec := range records {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record(%s): %v", rec.UserID, err)
		}
	}

	expired, err := store.ListExpiredBefore(ctx, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].UserID != "alice" {
		t.Errorf("expired = %v, want exactly alice", expired)
	}

	// The cutoff is exclusive: a record last seen at exactly the cutoff
	// is still live.
	expired, err = store.ListExpiredBefore(ctx, 5001)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 2 {
		t.Errorf("got %d expired records, want 2", len(expired))
	}
}

func TestMemoryStoreLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryHeartbeatStore()

	if err := store.Record(ctx, HeartbeatRecord{UserID: "alice", RelationshipID: "r1", LastSeenAtEpochMs: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, HeartbeatRecord{UserID: "alice", RelationshipID: "r1", LastSeenAtEpochMs: 60000}); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Fatalf("Len = %d, want 1", store.Len())
	}

	expired, err := store.ListExpiredBefore(ctx, 30000)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Errorf("refreshed record reported expired: %v", expired)
	}
}

func TestMemoryStoreDeleteMany(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryHeartbeatStore()

	recs := []HeartbeatRecord{
		{UserID: "alice", LastSeenAtEpochMs: 1000},
		{UserID: "bob", LastSeenAtEpochMs: 2000},
	}
	for _, rec := range recs {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.DeleteMany(ctx, recs[:1]); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d after delete, want 1", store.Len())
	}
}
