package stt

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// queuePoster collects posted callbacks so tests decide when the loop turns.
type queuePoster struct {
	mu    sync.Mutex
	queue []func()
}

func (q *queuePoster) Post(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, fn)
	return true
}

func (q *queuePoster) drain() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()
		fn()
	}
}

type fakeHandle struct {
	opts    HandleOptions
	emit    func(Event)
	starts  int
	stops   int
	aborts  int
	startFn func() error
}

func (h *fakeHandle) Start() error {
	h.starts++
	if h.startFn != nil {
		return h.startFn()
	}
	return nil
}

func (h *fakeHandle) Stop() error {
	h.stops++
	return nil
}

func (h *fakeHandle) Abort() error {
	h.aborts++
	return nil
}

type fakeEngine struct {
	available bool
	handles   []*fakeHandle
}

func (e *fakeEngine) Available() bool { return e.available }

func (e *fakeEngine) NewHandle(opts HandleOptions, emit func(Event)) (Handle, error) {
	h := &fakeHandle{opts: opts, emit: emit}
	e.handles = append(e.handles, h)
	return h, nil
}

func (e *fakeEngine) last() *fakeHandle {
	return e.handles[len(e.handles)-1]
}

type fixture struct {
	engine  *fakeEngine
	loop    *queuePoster
	acc     *transcript.Accumulator
	session *Session
	notices []Notice
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine: &fakeEngine{available: true},
		loop:   &queuePoster{},
		acc:    transcript.New(),
	}
	f.session = NewSession(f.engine, f.loop, f.acc, "en-US", newLogger())
	f.session.Subscribe(func(n Notice) { f.notices = append(f.notices, n) })
	return f
}

func (f *fixture) emit(evt Event) {
	f.engine.last().emit(evt)
	f.loop.drain()
}

func (f *fixture) listen(t *testing.T) {
	t.Helper()
	if err := f.session.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.emit(Event{Type: EventStart})
	if f.session.State() != StateListening {
		t.Fatalf("expected listening, got %s", f.session.State())
	}
}

func TestStartCreatesContinuousInterimHandle(t *testing.T) {
	f := newFixture(t)
	f.listen(t)
	h := f.engine.last()
	if !h.opts.Continuous || !h.opts.InterimResults || h.opts.Language != "en-US" {
		t.Fatalf("unexpected handle options %+v", h.opts)
	}
	if h.starts != 1 {
		t.Fatalf("expected one start call, got %d", h.starts)
	}
}

func TestResultSequenceMatchesExample(t *testing.T) {
	f := newFixture(t)
	f.listen(t)

	f.emit(Event{Type: EventResult, ResultIndex: 0, Results: []Result{{Transcript: "hello"}}})
	if f.acc.Display() != "hello" {
		t.Fatalf("event A: display %q", f.acc.Display())
	}

	f.emit(Event{Type: EventResult, ResultIndex: 0, Results: []Result{{Transcript: "hello world", Final: true}}})
	if f.acc.Finalized() != "hello world" || f.acc.Interim() != "" {
		t.Fatalf("event B: finalized=%q interim=%q", f.acc.Finalized(), f.acc.Interim())
	}

	f.emit(Event{Type: EventResult, ResultIndex: 1, Results: []Result{
		{Transcript: "hello world", Final: true},
		{Transcript: " foo"},
	}})
	if f.acc.Display() != "hello world foo" {
		t.Fatalf("event C: display %q", f.acc.Display())
	}
}

func TestResultsBeforeIndexAreNotReprocessed(t *testing.T) {
	f := newFixture(t)
	f.listen(t)

	f.emit(Event{Type: EventResult, ResultIndex: 0, Results: []Result{{Transcript: "one. ", Final: true}}})
	f.emit(Event{Type: EventResult, ResultIndex: 1, Results: []Result{
		{Transcript: "one. ", Final: true},
		{Transcript: "two. ", Final: true},
		{Transcript: "thr"},
		{Transcript: "ee"},
	}})
	if f.acc.Finalized() != "one. two. " {
		t.Fatalf("unexpected finalized %q", f.acc.Finalized())
	}
	if f.acc.Interim() != "three" {
		t.Fatalf("expected interim concatenated within event, got %q", f.acc.Interim())
	}

	f.emit(Event{Type: EventResult, ResultIndex: 2, Results: []Result{
		{Transcript: "one. ", Final: true},
		{Transcript: "two. ", Final: true},
		{Transcript: "four"},
	}})
	if f.acc.Interim() != "four" {
		t.Fatalf("expected interim replaced, got %q", f.acc.Interim())
	}
}

func TestFinalizedIsConcatenationOfFinalFragments(t *testing.T) {
	f := newFixture(t)
	f.listen(t)

	events := [][]Result{
		{{Transcript: "a"}},
		{{Transcript: "a ", Final: true}, {Transcript: "b"}},
		{{Transcript: "b ", Final: true}, {Transcript: "c", Final: true}, {Transcript: "d"}},
		{{Transcript: "e"}},
	}
	var results []Result
	wantFinal := ""
	for _, evt := range events {
		index := len(results)
		// drop the trailing interim entry of the previous event
		for index > 0 && !results[index-1].Final {
			index--
		}
		results = append(results[:index], evt...)
		for _, r := range evt {
			if r.Final {
				wantFinal += r.Transcript
			}
		}
		f.emit(Event{Type: EventResult, ResultIndex: index, Results: append([]Result(nil), results...)})
	}
	if f.acc.Finalized() != wantFinal {
		t.Fatalf("expected finalized %q, got %q", wantFinal, f.acc.Finalized())
	}
	if f.acc.Interim() != "e" {
		t.Fatalf("expected interim from last event only, got %q", f.acc.Interim())
	}
}

func TestEndResynchronizesState(t *testing.T) {
	f := newFixture(t)
	f.listen(t)

	// engine-internal termination, no Stop call
	f.emit(Event{Type: EventEnd})
	if f.session.State() != StateIdle {
		t.Fatalf("expected idle after end, got %s", f.session.State())
	}

	if err := f.session.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if len(f.engine.handles) != 2 {
		t.Fatalf("expected handle recreated after end, got %d handles", len(f.engine.handles))
	}
}

func TestErrorDoesNotChangeState(t *testing.T) {
	f := newFixture(t)
	f.listen(t)

	f.emit(Event{Type: EventError, Code: CodeNoSpeech})
	if f.session.State() != StateListening {
		t.Fatalf("error must not change state, got %s", f.session.State())
	}
	last := f.notices[len(f.notices)-1]
	var recErr *RecognitionError
	if last.Kind != NoticeError || !errors.As(last.Err, &recErr) || recErr.Code != CodeNoSpeech {
		t.Fatalf("expected recognition error notice, got %+v", last)
	}

	f.emit(Event{Type: EventEnd})
	if f.session.State() != StateIdle {
		t.Fatalf("expected idle after end following error")
	}
}

func TestNotAllowedMatchesPermissionDenied(t *testing.T) {
	err := &RecognitionError{Code: CodeNotAllowed}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatal("expected not-allowed to match ErrPermissionDenied")
	}
	if errors.Is(&RecognitionError{Code: CodeNetwork}, ErrPermissionDenied) {
		t.Fatal("network error must not match ErrPermissionDenied")
	}
}

func TestUnsupportedPlatformIsTerminal(t *testing.T) {
	engine := &fakeEngine{available: false}
	s := NewSession(engine, &queuePoster{}, transcript.New(), "en-US", newLogger())
	if err := s.Start(); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
	engine.available = true
	if err := s.Start(); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected session to stay disabled, got %v", err)
	}
	if !s.Disabled() || len(engine.handles) != 0 {
		t.Fatal("expected no handle to be created")
	}

	nilEngine := NewSession(nil, &queuePoster{}, transcript.New(), "en-US", newLogger())
	if err := nilEngine.Start(); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform for nil engine, got %v", err)
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	f := newFixture(t)
	f.session.Stop()
	if len(f.engine.handles) != 0 || f.session.State() != StateIdle {
		t.Fatal("stop without start must not create a handle")
	}
}

func TestStopWaitsForEnd(t *testing.T) {
	f := newFixture(t)
	f.listen(t)
	f.session.Stop()
	if f.engine.last().stops != 1 {
		t.Fatal("expected stop forwarded to handle")
	}
	if f.session.State() != StateListening {
		t.Fatal("state must lag until end arrives")
	}
	f.emit(Event{Type: EventEnd})
	if f.session.State() != StateIdle {
		t.Fatal("expected idle after end")
	}
}

func TestConfigureRejectedWhileListening(t *testing.T) {
	f := newFixture(t)
	if err := f.session.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.session.Configure("fr-FR"); !errors.Is(err, ErrListening) {
		t.Fatalf("expected ErrListening while start pending, got %v", err)
	}
	f.emit(Event{Type: EventStart})
	if err := f.session.Configure("fr-FR"); !errors.Is(err, ErrListening) {
		t.Fatalf("expected ErrListening while listening, got %v", err)
	}
	f.emit(Event{Type: EventEnd})

	if err := f.session.Configure("fr-FR"); err != nil {
		t.Fatalf("configure while idle: %v", err)
	}
	if err := f.session.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := f.engine.last().opts.Language; got != "fr-FR" {
		t.Fatalf("expected new handle bound to fr-FR, got %s", got)
	}
}

func TestStartFailureReleasesHandle(t *testing.T) {
	engine := &failingEngine{}
	s := NewSession(engine, &queuePoster{}, transcript.New(), "en-US", newLogger())
	if err := s.Start(); err == nil {
		t.Fatal("expected start error")
	}
	if engine.handle.aborts != 1 {
		t.Fatalf("expected failed handle released, aborts=%d", engine.handle.aborts)
	}
	if err := s.Configure("es-ES"); err != nil {
		t.Fatalf("configure after failed start: %v", err)
	}
}

type failingEngine struct {
	handle *fakeHandle
}

func (e *failingEngine) Available() bool { return true }

func (e *failingEngine) NewHandle(opts HandleOptions, emit func(Event)) (Handle, error) {
	e.handle = &fakeHandle{opts: opts, emit: emit, startFn: func() error { return errors.New("invalid state") }}
	return e.handle, nil
}

func TestStaleHandleEventsAreDropped(t *testing.T) {
	f := newFixture(t)
	f.listen(t)
	old := f.engine.last()

	f.session.Close()
	if f.session.State() != StateIdle || old.aborts != 1 {
		t.Fatalf("close must abort and idle, state=%s aborts=%d", f.session.State(), old.aborts)
	}

	old.emit(Event{Type: EventResult, Results: []Result{{Transcript: "late", Final: true}}})
	old.emit(Event{Type: EventStart})
	f.loop.drain()
	if f.acc.Finalized() != "" || f.session.State() != StateIdle {
		t.Fatal("events from a released handle must be ignored")
	}
}

func TestDoubleStartIsNoop(t *testing.T) {
	f := newFixture(t)
	f.listen(t)
	if err := f.session.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if len(f.engine.handles) != 1 || f.engine.last().starts != 1 {
		t.Fatal("second start while listening must not touch the handle")
	}
}

func TestStartWhileStoppingRestartsAfterEnd(t *testing.T) {
	f := newFixture(t)
	f.listen(t)
	f.session.Stop()
	if err := f.session.Start(); err != nil {
		t.Fatalf("start while stopping: %v", err)
	}
	if len(f.engine.handles) != 1 {
		t.Fatal("restart must wait for the end event")
	}

	f.emit(Event{Type: EventEnd})
	if len(f.engine.handles) != 2 || f.engine.last().starts != 1 {
		t.Fatalf("expected a fresh handle started after end, got %d handles", len(f.engine.handles))
	}
	f.emit(Event{Type: EventStart})
	if f.session.State() != StateListening {
		t.Fatalf("expected listening after restart, got %s", f.session.State())
	}
}

func TestStopCancelsDeferredRestart(t *testing.T) {
	f := newFixture(t)
	f.listen(t)
	f.session.Stop()
	if err := f.session.Start(); err != nil {
		t.Fatalf("start while stopping: %v", err)
	}
	f.session.Stop()
	f.emit(Event{Type: EventEnd})
	if len(f.engine.handles) != 1 || f.session.State() != StateIdle {
		t.Fatal("a later stop must drop the pending restart")
	}
}
