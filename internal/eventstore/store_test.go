package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{StreamID: "s", Type: "chunk"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.AppendStream(ctx, Stream{ID: "stream-1", Voice: "en-US", Speed: 1, Segments: 2, State: "active"}); err != nil {
		t.Fatalf("append stream: %v", err)
	}
	for i, typ := range []string{"chunk", "chunk", "complete"} {
		if err := es.AppendEvent(ctx, Event{StreamID: "stream-1", Type: typ, Index: i, Payload: []byte("x")}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.UpdateStreamState(ctx, "stream-1", "completed"); err != nil {
		t.Fatalf("update state: %v", err)
	}

	events, err := es.ListStreamEvents(ctx, "stream-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[2].Type != "complete" || events[1].Index != 1 {
		t.Fatalf("unexpected events %+v", events)
	}

	st, ok, err := es.GetStream(ctx, "stream-1")
	if err != nil || !ok {
		t.Fatalf("get stream: ok=%v err=%v", ok, err)
	}
	if st.State != "completed" || st.Segments != 2 {
		t.Fatalf("unexpected stream %+v", st)
	}
	if _, ok, _ := es.GetStream(ctx, "missing"); ok {
		t.Fatal("expected missing stream")
	}
}

func TestPruneByDaysAndStreams(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxStreams: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendStream(ctx, Stream{ID: "old-stream", Segments: 1, State: "completed"}); err != nil {
		t.Fatalf("append stream: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{StreamID: "old-stream", Type: "chunk"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendStream(ctx, Stream{ID: "new-stream", Segments: 1, State: "active"}); err != nil {
		t.Fatalf("append stream: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListStreamEvents(ctx, "old-stream", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old stream pruned")
	}
	if _, ok, _ := es.GetStream(ctx, "new-stream"); !ok {
		t.Fatal("expected new stream to survive")
	}
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	defaults := Preferences{Voice: "en-US", Speed: 1}

	stores := map[string]*Store{
		"sqlite": openTemp(t, config.EventStoreConfig{RetentionMode: "session"}),
	}
	ephemeral, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open ephemeral: %v", err)
	}
	stores["ephemeral"] = ephemeral

	for name, es := range stores {
		prefs, err := es.LoadPreferences(ctx, defaults)
		if err != nil {
			t.Fatalf("%s: load defaults: %v", name, err)
		}
		if prefs != defaults {
			t.Fatalf("%s: expected defaults, got %+v", name, prefs)
		}
		if err := es.SavePreferences(ctx, Preferences{Voice: "en-GB", Speed: 1.5}); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		prefs, err = es.LoadPreferences(ctx, defaults)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if prefs.Voice != "en-GB" || prefs.Speed != 1.5 {
			t.Fatalf("%s: unexpected preferences %+v", name, prefs)
		}
	}
}
