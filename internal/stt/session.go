package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the recognition session state.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
)

// NoticeKind identifies what changed in a Notice.
type NoticeKind int

const (
	NoticeState NoticeKind = iota
	NoticeTranscript
	NoticeError
)

// Notice is published to subscribers after the session handles an event.
type Notice struct {
	Kind  NoticeKind
	State State
	Err   error
	// Finalized holds text appended by this event, if any.
	Finalized []string
}

// Poster runs callbacks on the event loop.
type Poster interface {
	Post(fn func()) bool
}

// Session owns one recognition handle and folds its events into a transcript.
// All methods must be called on the event loop goroutine.
type Session struct {
	engine   Engine
	loop     Poster
	acc      *transcript.Accumulator
	logger   *slog.Logger
	language string

	handle   Handle
	gen      uint64
	state    State
	starting bool
	stopping bool
	// restart is set by a Start that arrives while stopping.
	restart  bool
	disabled bool

	subscribers map[int]func(Notice)
	nextSub     int

	events metric.Int64Counter
	errors metric.Int64Counter
	finals metric.Int64Counter
}

func NewSession(engine Engine, loop Poster, acc *transcript.Accumulator, language string, logger *slog.Logger) *Session {
	s := &Session{
		engine:      engine,
		loop:        loop,
		acc:         acc,
		language:    language,
		logger:      logger.With(slog.String("component", "stt-session")),
		state:       StateIdle,
		subscribers: make(map[int]func(Notice)),
	}
	s.initMetrics()
	return s
}

func (s *Session) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/stt")
	var err error
	if s.events, err = meter.Int64Counter("scribe.recognition.events", metric.WithDescription("Recognition events handled")); err != nil {
		s.logger.Warn("failed to create metric", slogError(err))
	}
	if s.errors, err = meter.Int64Counter("scribe.recognition.errors", metric.WithDescription("Recognition errors reported by the engine")); err != nil {
		s.logger.Warn("failed to create metric", slogError(err))
	}
	if s.finals, err = meter.Int64Counter("scribe.transcript.final_segments", metric.WithDescription("Finalized transcript segments")); err != nil {
		s.logger.Warn("failed to create metric", slogError(err))
	}
}

func (s *Session) State() State { return s.state }

func (s *Session) Language() string { return s.language }

// Disabled reports whether the host lacks a recognition capability.
func (s *Session) Disabled() bool { return s.disabled }

// Subscribe registers fn for notices. The returned func removes it.
func (s *Session) Subscribe(fn func(Notice)) func() {
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() { delete(s.subscribers, id) }
}

// Configure sets the language used by the next handle.
func (s *Session) Configure(language string) error {
	language = strings.TrimSpace(language)
	if language == "" {
		return fmt.Errorf("language must not be empty")
	}
	if s.state == StateListening || s.starting {
		return ErrListening
	}
	if language == s.language {
		return nil
	}
	s.language = language
	if s.handle != nil {
		s.release()
	}
	return nil
}

// Start begins recognition, creating a handle if none exists.
func (s *Session) Start() error {
	if s.disabled {
		return ErrUnsupportedPlatform
	}
	if s.engine == nil || !s.engine.Available() {
		s.disabled = true
		s.logger.Warn("speech recognition unavailable")
		return ErrUnsupportedPlatform
	}
	if s.stopping {
		s.restart = true
		s.logger.Debug("recognition restart deferred until end")
		return nil
	}
	if s.starting || s.state == StateListening {
		return nil
	}
	if s.handle == nil {
		s.gen++
		gen := s.gen
		handle, err := s.engine.NewHandle(HandleOptions{
			Language:       s.language,
			Continuous:     true,
			InterimResults: true,
		}, func(evt Event) {
			s.loop.Post(func() { s.dispatch(gen, evt) })
		})
		if err != nil {
			return fmt.Errorf("create recognition handle: %w", err)
		}
		s.handle = handle
	}
	if err := s.handle.Start(); err != nil {
		s.release()
		return fmt.Errorf("start recognition: %w", err)
	}
	s.starting = true
	s.logger.Debug("recognition start requested", slog.String("language", s.language))
	return nil
}

// Stop requests graceful termination. The end event completes it.
func (s *Session) Stop() {
	s.restart = false
	if s.handle == nil {
		return
	}
	if err := s.handle.Stop(); err != nil {
		s.logger.Warn("recognition stop failed", slogError(err))
	}
	s.stopping = true
}

// Close aborts the handle and forces the session idle.
func (s *Session) Close() {
	if s.handle != nil {
		s.release()
	}
	s.starting = false
	s.stopping = false
	s.restart = false
	if s.state != StateIdle {
		s.state = StateIdle
		s.notify(Notice{Kind: NoticeState, State: StateIdle})
	}
}

func (s *Session) release() {
	if err := s.handle.Abort(); err != nil {
		s.logger.Warn("recognition abort failed", slogError(err))
	}
	s.handle = nil
	s.gen++
	s.stopping = false
}

func (s *Session) dispatch(gen uint64, evt Event) {
	if gen != s.gen {
		return
	}
	if s.events != nil {
		s.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", evt.Type.String())))
	}
	switch evt.Type {
	case EventStart:
		s.starting = false
		s.state = StateListening
		s.logger.Info("recognition started", slog.String("language", s.language))
		s.notify(Notice{Kind: NoticeState, State: StateListening})
	case EventResult:
		s.applyResults(evt.ResultIndex, evt.Results)
	case EventError:
		if s.errors != nil {
			s.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("code", evt.Code)))
		}
		err := &RecognitionError{Code: evt.Code, Message: evt.Message}
		s.logger.Warn("recognition error", slog.String("code", evt.Code))
		s.notify(Notice{Kind: NoticeError, State: s.state, Err: err})
	case EventEnd:
		s.starting = false
		s.stopping = false
		s.state = StateIdle
		s.handle = nil
		s.gen++
		s.logger.Info("recognition ended")
		s.notify(Notice{Kind: NoticeState, State: StateIdle})
		if s.restart {
			s.restart = false
			if err := s.Start(); err != nil {
				s.logger.Warn("deferred recognition start failed", slogError(err))
				s.notify(Notice{Kind: NoticeError, State: s.state, Err: err})
			}
		}
	}
}

// applyResults walks results from index onward. Earlier entries are already
// final and were appended by a previous event.
func (s *Session) applyResults(index int, results []Result) {
	if index < 0 {
		index = 0
	}
	var interim strings.Builder
	var finalized []string
	for i := index; i < len(results); i++ {
		r := results[i]
		if r.Final {
			s.acc.AppendFinal(r.Transcript)
			finalized = append(finalized, r.Transcript)
			continue
		}
		interim.WriteString(r.Transcript)
	}
	s.acc.SetInterim(interim.String())
	if s.finals != nil && len(finalized) > 0 {
		s.finals.Add(context.Background(), int64(len(finalized)))
	}
	s.notify(Notice{Kind: NoticeTranscript, State: s.state, Finalized: finalized})
}

func (s *Session) notify(n Notice) {
	for _, fn := range s.subscribers {
		fn(n)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
