package jobs

import (
	"context"
	"path/filepath"
	"testing"

	"reach/services/runner/internal/storage"
)

func newTestJobsStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return NewStore(db), ctx
}

func TestAppendAndFetchEventHistory(t *testing.T) {
	store, ctx := newTestJobsStore(t)

	if _, err := store.AppendEvent(ctx, "run-1", Event{Type: "run.spawned", Payload: []byte(`{"runId":"run-1","parentRunId":"run-0","depth":1}`)}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if _, err := store.AppendEvent(ctx, "run-1", Event{Type: "run.status_changed", Payload: []byte(`{"runId":"run-1","status":"succeeded"}`)}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	history, err := store.EventHistory(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("EventHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 events, got %d", len(history))
	}
	if history[0].Type != "run.spawned" || history[1].Type != "run.status_changed" {
		t.Fatalf("unexpected event order: %+v", history)
	}

	tail, err := store.EventHistory(ctx, "run-1", history[0].ID)
	if err != nil {
		t.Fatalf("EventHistory after cursor: %v", err)
	}
	if len(tail) != 1 || tail[0].Type != "run.status_changed" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}

func TestPublishEventDeliversToSubscriber(t *testing.T) {
	store, ctx := newTestJobsStore(t)

	ch, cancel := store.Subscribe("run-2")
	defer cancel()

	err := store.PublishEvent(ctx, "run-2", Event{Type: "run.cancelled", Payload: []byte(`{"runId":"run-2","reason":"fail_fast"}`)})
	if err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Type != "run.cancelled" {
			t.Fatalf("unexpected event type: %s", evt.Type)
		}
	default:
		t.Fatal("expected subscriber to receive published event")
	}
}

func TestPublishEventInvokesObserver(t *testing.T) {
	store, ctx := newTestJobsStore(t)

	var observed Event
	store.WithObserver(func(runID string, evt Event) {
		observed = evt
	})

	err := store.PublishEvent(ctx, "run-3", Event{Type: "group.timed_out", Payload: []byte(`{"groupId":"group-1"}`)})
	if err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if observed.Type != "group.timed_out" {
		t.Fatalf("observer did not see published event, got %+v", observed)
	}
}

func TestAuditRoundTrip(t *testing.T) {
	store, ctx := newTestJobsStore(t)

	if err := store.Audit(ctx, "tenant-a", "run-4", "spawn.denied", []byte(`{"reason":"max_fanout"}`)); err != nil {
		t.Fatalf("Audit: %v", err)
	}

	entries, err := store.ListAudit(ctx, "tenant-a", "run-4")
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != "spawn.denied" {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}
}
