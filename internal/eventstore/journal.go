package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type journalOp int

const (
	opBegin journalOp = iota
	opEvent
	opEnd
)

type journalEntry struct {
	op       journalOp
	language string
	event    Event
}

// Journal writes to a Store from a background goroutine so callers on the
// event loop never wait on disk. Entries are dropped when the buffer is full.
type Journal struct {
	store   *Store
	log     *slog.Logger
	entries chan journalEntry
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewJournal(store *Store, buffer int, log *slog.Logger) *Journal {
	if buffer <= 0 {
		buffer = 256
	}
	j := &Journal{
		store:   store,
		log:     log.With(slog.String("component", "journal")),
		entries: make(chan journalEntry, buffer),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Journal) SessionStarted(sessionID, language string) {
	j.enqueue(journalEntry{op: opBegin, language: language, event: Event{SessionID: sessionID}})
}

func (j *Journal) SegmentFinalized(sessionID, text string) {
	j.Record(Event{SessionID: sessionID, Type: TypeSegmentFinal, Payload: []byte(text)})
}

func (j *Journal) RecognitionError(sessionID, message string) {
	j.Record(Event{SessionID: sessionID, Type: TypeRecognitionError, Payload: []byte(message)})
}

func (j *Journal) TranscriptCleared(sessionID string) {
	j.Record(Event{SessionID: sessionID, Type: TypeTranscriptClear})
}

func (j *Journal) SessionEnded(sessionID string) {
	j.enqueue(journalEntry{op: opEnd, event: Event{SessionID: sessionID}})
}

// Record queues an arbitrary timeline event.
func (j *Journal) Record(evt Event) {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	j.enqueue(journalEntry{op: opEvent, event: evt})
}

func (j *Journal) enqueue(e journalEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.entries <- e:
	default:
		j.log.Warn("journal buffer full, dropping entry", slog.String("session_id", e.event.SessionID))
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for e := range j.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		switch e.op {
		case opBegin:
			err = j.store.BeginSession(ctx, e.event.SessionID, e.language)
		case opEnd:
			err = j.store.EndSession(ctx, e.event.SessionID)
		default:
			err = j.store.AppendEvent(ctx, e.event)
		}
		cancel()
		if err != nil {
			j.log.Warn("journal write failed", slog.String("session_id", e.event.SessionID), slog.String("error", err.Error()))
		}
	}
}

// Close stops accepting entries and waits for queued ones to be written.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.entries)
	}
	j.mu.Unlock()
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
