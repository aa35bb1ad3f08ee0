// Package session composes recognition, transcript and visualizer into the
// single command and state surface used by presentation clients.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/eventloop"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/loqalabs/loqa-scribe/internal/visualizer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the observable controller state.
type State struct {
	Listening   bool   `json:"listening"`
	Visualizing bool   `json:"visualizing"`
	Language    string `json:"language"`
	Text        string `json:"text"`
	InterimText string `json:"interim_text"`
	Error       string `json:"error,omitempty"`
}

// Display is the text shown to the user: finalized followed by interim.
func (s State) Display() string {
	return s.Text + s.InterimText
}

// Journal receives the session timeline.
type Journal interface {
	SessionStarted(sessionID, language string)
	SegmentFinalized(sessionID, text string)
	RecognitionError(sessionID, message string)
	TranscriptCleared(sessionID string)
	SessionEnded(sessionID string)
}

// Publisher mirrors transcripts and state onto the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Options struct {
	Engine   stt.Engine
	Language string

	// Visualize enables the waveform subsystem.
	Visualize bool
	Capture   visualizer.Capture
	Audio     visualizer.AudioContext
	Surface   visualizer.Surface
	FFTSize   int

	Journal   Journal
	Publisher Publisher
	Clipboard transcript.Clipboard
	ExportDir string
}

// Controller is safe for use from any goroutine; every command is marshalled
// onto the event loop.
type Controller struct {
	loop   *eventloop.Loop
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	// owned by the loop goroutine
	acc       *transcript.Accumulator
	rec       *stt.Session
	vis       *visualizer.Visualizer
	errMsg    string
	sessionID string
	closed    bool

	subMu       sync.Mutex
	subscribers map[int]func(State)
	nextSub     int
}

func New(loop *eventloop.Loop, opts Options, logger *slog.Logger) *Controller {
	logger = logger.With(slog.String("component", "session"))
	c := &Controller{
		loop:        loop,
		opts:        opts,
		logger:      logger,
		tracer:      otel.Tracer("github.com/loqalabs/loqa-scribe/session"),
		acc:         transcript.New(),
		subscribers: make(map[int]func(State)),
	}
	c.rec = stt.NewSession(opts.Engine, loop, c.acc, opts.Language, logger)
	c.rec.Subscribe(c.onNotice)
	if opts.Visualize {
		c.vis = visualizer.New(opts.Capture, opts.Audio, opts.Surface, loop, visualizer.Options{
			FFTSize: opts.FFTSize,
			OnError: c.setError,
			OnState: func(visualizer.State) { c.notify() },
		}, logger)
	}
	return c
}

// Subscribe registers fn for every state change. fn runs on the event loop
// and must not block. The returned func removes it.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subscribers, id)
	}
}

// Start begins recognition and visualization. Subsystem failures are
// independent and surface only through State.Error.
func (c *Controller) Start(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "session.start")
	defer span.End()
	err := c.loop.Do(ctx, func() {
		if c.closed {
			return
		}
		if err := c.rec.Start(); err != nil {
			c.setError(err)
		}
		if c.vis != nil {
			c.vis.Start()
		}
		span.SetAttributes(attribute.String("language", c.rec.Language()))
		c.notify()
	})
	return spanErr(span, err)
}

// Stop requests both subsystems to stop. Listening clears once the engine
// confirms.
func (c *Controller) Stop(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "session.stop")
	defer span.End()
	err := c.loop.Do(ctx, func() {
		c.rec.Stop()
		if c.vis != nil {
			c.vis.Stop()
		}
		c.notify()
	})
	return spanErr(span, err)
}

// Clear empties the transcript and the error without stopping anything.
func (c *Controller) Clear(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		c.acc.Clear()
		c.errMsg = ""
		if c.opts.Journal != nil && c.sessionID != "" {
			c.opts.Journal.TranscriptCleared(c.sessionID)
		}
		c.notify()
	})
}

// SetLanguage selects the locale for the next recognition start. It fails
// with stt.ErrListening while a session is active.
func (c *Controller) SetLanguage(ctx context.Context, tag string) error {
	var cfgErr error
	if err := c.loop.Do(ctx, func() {
		cfgErr = c.rec.Configure(tag)
		if cfgErr != nil {
			c.setError(cfgErr)
			return
		}
		c.notify()
	}); err != nil {
		return err
	}
	return cfgErr
}

// Snapshot returns the current state.
func (c *Controller) Snapshot(ctx context.Context) (State, error) {
	var st State
	err := c.loop.Do(ctx, func() { st = c.state() })
	return st, err
}

// Finalized returns the confirmed transcript text.
func (c *Controller) Finalized(ctx context.Context) (string, error) {
	var text string
	err := c.loop.Do(ctx, func() { text = c.acc.Finalized() })
	return text, err
}

// Export writes the finalized transcript to path, or to a timestamped file in
// the export directory when path is empty. It returns the path written.
func (c *Controller) Export(ctx context.Context, path string) (string, error) {
	text, err := c.Finalized(ctx)
	if err != nil {
		return "", err
	}
	if path == "" {
		dir := c.opts.ExportDir
		if dir == "" {
			dir = "."
		}
		path = filepath.Join(dir, fmt.Sprintf("transcript-%s.txt", time.Now().UTC().Format("20060102-150405")))
	}
	if err := transcript.ExportFile(path, text); err != nil {
		return "", err
	}
	c.logger.Info("transcript exported", slog.String("path", path), slog.Int("bytes", len(text)))
	return path, nil
}

// Copy puts the finalized transcript on the clipboard. Failures are returned
// to the caller and leave state untouched.
func (c *Controller) Copy(ctx context.Context) error {
	text, err := c.Finalized(ctx)
	if err != nil {
		return err
	}
	cb := c.opts.Clipboard
	if cb == nil {
		cb = transcript.SystemClipboard{}
	}
	if err := transcript.Copy(cb, text); err != nil {
		c.logger.Warn("clipboard copy failed", slogError(err))
		return err
	}
	return nil
}

// Close tears down both subsystems. Further commands are ignored.
func (c *Controller) Close(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		if c.closed {
			return
		}
		c.closed = true
		c.rec.Close()
		if c.vis != nil {
			c.vis.Stop()
		}
		c.logger.Info("session controller closed")
		c.notify()
	})
}

func (c *Controller) onNotice(n stt.Notice) {
	switch n.Kind {
	case stt.NoticeState:
		if n.State == stt.StateListening {
			c.errMsg = ""
			c.sessionID = uuid.NewString()
			if c.opts.Journal != nil {
				c.opts.Journal.SessionStarted(c.sessionID, c.rec.Language())
			}
		} else if c.sessionID != "" {
			if c.opts.Journal != nil {
				c.opts.Journal.SessionEnded(c.sessionID)
			}
			c.sessionID = ""
		}
	case stt.NoticeTranscript:
		for _, text := range n.Finalized {
			if c.opts.Journal != nil && c.sessionID != "" {
				c.opts.Journal.SegmentFinalized(c.sessionID, text)
			}
			c.publishTranscript(text, false)
		}
		if interim := c.acc.Interim(); interim != "" {
			c.publishTranscript(interim, true)
		}
	case stt.NoticeError:
		c.setError(n.Err)
		if c.opts.Journal != nil && c.sessionID != "" {
			c.opts.Journal.RecognitionError(c.sessionID, Message(n.Err))
		}
		return
	}
	c.notify()
}

func (c *Controller) setError(err error) {
	if err == nil {
		return
	}
	c.errMsg = Message(err)
	c.logger.Debug("error recorded", slog.String("message", c.errMsg))
	c.notify()
}

func (c *Controller) state() State {
	st := State{
		Listening:   c.rec.State() == stt.StateListening,
		Language:    c.rec.Language(),
		Text:        c.acc.Finalized(),
		InterimText: c.acc.Interim(),
		Error:       c.errMsg,
	}
	if c.vis != nil {
		st.Visualizing = c.vis.State() == visualizer.StateCapturing
	}
	return st
}

func (c *Controller) notify() {
	st := c.state()
	c.subMu.Lock()
	subs := make([]func(State), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
	c.publishState(st)
}

func (c *Controller) publishTranscript(text string, partial bool) {
	if c.opts.Publisher == nil || text == "" {
		return
	}
	subject := protocol.SubjectSessionFinal
	if partial {
		subject = protocol.SubjectSessionInterim
	}
	msg := protocol.Transcript{
		SessionID: c.sessionID,
		Text:      text,
		Partial:   partial,
		Timestamp: time.Now().UTC(),
	}
	if err := c.opts.Publisher.PublishJSON(subject, msg); err != nil {
		c.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (c *Controller) publishState(st State) {
	if c.opts.Publisher == nil {
		return
	}
	msg := protocol.SessionState{
		SessionID:   c.sessionID,
		Listening:   st.Listening,
		Visualizing: st.Visualizing,
		Language:    st.Language,
		Text:        st.Text,
		InterimText: st.InterimText,
		Error:       st.Error,
		Timestamp:   time.Now().UTC(),
	}
	if err := c.opts.Publisher.PublishJSON(protocol.SubjectSessionState, msg); err != nil {
		c.logger.Warn("failed to publish state", slogError(err))
	}
}

func spanErr(span trace.Span, err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
