package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
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
	if err := es.BeginSession(ctx, "s", "en-US"); err != nil {
		t.Fatalf("ephemeral begin should be a no-op: %v", err)
	}
	text, err := es.SessionTranscript(ctx, "s")
	if err != nil || text != "" {
		t.Fatalf("expected empty transcript, got %q, %v", text, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	sessionID := "session-123"
	if err := es.BeginSession(ctx, sessionID, "en-GB"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Type: TypeSegmentFinal, Payload: []byte("hello ")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("end session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	wantTypes := []string{TypeSessionStarted, TypeSegmentFinal, TypeSessionEnded}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, events[i].Type)
		}
	}
	if string(events[1].Payload) != "hello " {
		t.Fatalf("unexpected payload: %s", events[1].Payload)
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Language != "en-GB" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if sessions[0].EndedAt.IsZero() {
		t.Fatal("expected ended_at to be set")
	}
}

func TestSessionTranscriptHonoursClear(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	es.BeginSession(ctx, "s1", "en-US")
	for _, evt := range []Event{
		{SessionID: "s1", Type: TypeSegmentFinal, Payload: []byte("A ")},
		{SessionID: "s1", Type: TypeTranscriptClear},
		{SessionID: "s1", Type: TypeSegmentFinal, Payload: []byte("B ")},
		{SessionID: "s1", Type: TypeRecognitionError, Payload: []byte("network")},
		{SessionID: "s1", Type: TypeSegmentFinal, Payload: []byte("C")},
	} {
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	text, err := es.SessionTranscript(ctx, "s1")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if text != "B C" {
		t.Fatalf("expected %q, got %q", "B C", text)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "old-session", "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: TypeSegmentFinal}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "new-session", "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}

func TestJournalDrainsOnClose(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})
	j := NewJournal(es, 16, newLogger())

	j.SessionStarted("s1", "fr-FR")
	j.SegmentFinalized("s1", "bonjour ")
	j.RecognitionError("s1", "no-speech")
	j.SegmentFinalized("s1", "monde")
	j.SessionEnded("s1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Close(ctx); err != nil {
		t.Fatalf("close journal: %v", err)
	}
	// entries after close are ignored
	j.SegmentFinalized("s1", "late")

	text, err := es.SessionTranscript(context.Background(), "s1")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if text != "bonjour monde" {
		t.Fatalf("expected %q, got %q", "bonjour monde", text)
	}
	events, _ := es.ListSessionEvents(context.Background(), "s1", 10)
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
}
