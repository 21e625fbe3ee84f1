package persistence_test

import (
	"context"
	"testing"
	"time"
)

func TestRunRetention_PurgesOnlyEndedRecords(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -40)
	recent := time.Now().UTC().Add(-time.Hour)

	// c-old: closed long ago, its sessions go with it.
	_ = store.RecordConnectionOpened(ctx, "c-old", "a", "/", old)
	_ = store.RecordSessionCreated(ctx, "c-old", "s-orphan", "PyDummy", nil, old)
	_ = store.RecordConnectionClosed(ctx, "c-old", old.Add(time.Minute))

	// c-live: still open, holds one old finalized and one live session.
	_ = store.RecordConnectionOpened(ctx, "c-live", "b", "/", old)
	_ = store.RecordSessionCreated(ctx, "c-live", "s-done", "PyDummy", nil, old)
	_ = store.RecordSessionFinalized(ctx, "s-done", 4, old.Add(time.Minute))
	_ = store.RecordSessionCreated(ctx, "c-live", "s-live", "PyDummy", nil, old)
	_ = store.RecordSessionCreated(ctx, "c-live", "s-fresh", "PyDummy", nil, recent)
	_ = store.RecordSessionFinalized(ctx, "s-fresh", 1, recent)

	res, err := store.RunRetention(ctx, 30)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedSessions != 1 || res.PurgedConnections != 1 {
		t.Fatalf("result = %+v", res)
	}

	for _, id := range []string{"s-done", "s-orphan"} {
		if _, err := store.GetSession(ctx, id); err == nil {
			t.Fatalf("session %s should be purged", id)
		}
	}
	for _, id := range []string{"s-live", "s-fresh"} {
		if _, err := store.GetSession(ctx, id); err != nil {
			t.Fatalf("session %s should survive: %v", id, err)
		}
	}
	if _, err := store.GetConnection(ctx, "c-live"); err != nil {
		t.Fatalf("open connection purged: %v", err)
	}
}

func TestRunRetention_DisabledKeepsEverything(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(-1, 0, 0)
	_ = store.RecordConnectionOpened(ctx, "c-1", "a", "/", old)
	_ = store.RecordConnectionClosed(ctx, "c-1", old)

	res, err := store.RunRetention(ctx, 0)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedConnections != 0 || res.PurgedSessions != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunRetention_Repeatable(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := store.RunRetention(ctx, 7); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
}
