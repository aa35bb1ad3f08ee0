package stt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusEngine offloads recognition to a loqa runtime: audio frames go out on
// audio.frame.<session>, transcripts come back on stt.text.partial/final.
type BusEngine struct {
	cfg      config.STTConfig
	bus      *bus.Client
	source   AudioSource
	presence Presence
	logger   *slog.Logger
}

// Presence reports whether a peer on the bus offers a capability.
type Presence interface {
	Available(capability string) bool
}

// WithPresence makes each recognition start fail with service-not-allowed
// while no recognizer node is heard on the bus.
func (e *BusEngine) WithPresence(p Presence) *BusEngine {
	e.presence = p
	return e
}

func NewBusEngine(cfg config.STTConfig, busClient *bus.Client, source AudioSource, logger *slog.Logger) *BusEngine {
	return &BusEngine{
		cfg:    cfg,
		bus:    busClient,
		source: source,
		logger: logger.With(slog.String("component", "stt-bus")),
	}
}

// Available reports whether the engine is wired to a bus at all. A bus that
// is reconnecting fails individual starts with a network error instead.
func (e *BusEngine) Available() bool {
	return e != nil && e.source != nil && e.bus != nil
}

func (e *BusEngine) NewHandle(opts HandleOptions, emit func(Event)) (Handle, error) {
	return &busHandle{engine: e, opts: opts, emit: emit, sessionID: uuid.NewString()}, nil
}

type busHandle struct {
	engine    *BusEngine
	opts      HandleOptions
	emit      func(Event)
	sessionID string

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	stopCh  chan struct{}

	sequence int
	sent     int
	// unanswered is set by a final frame carrying audio and cleared by the
	// next final transcript. The runtime sends nothing for silent segments.
	unanswered bool
	results    []Result
	current    int
}

func (h *busHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.New("recognition already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.started = true
	h.cancel = cancel
	h.stopCh = make(chan struct{})
	go h.run(ctx)
	return nil
}

func (h *busHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started || h.stopped {
		return nil
	}
	h.stopped = true
	close(h.stopCh)
	return nil
}

func (h *busHandle) Abort() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

func (h *busHandle) run(ctx context.Context) {
	logger := h.engine.logger.With(slog.String("session_id", h.sessionID))
	if !h.engine.bus.Healthy() {
		logger.Warn("bus not connected")
		h.emit(Event{Type: EventError, Code: CodeNetwork, Message: "bus not connected"})
		h.emit(Event{Type: EventEnd})
		return
	}
	stream, err := h.engine.source.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("open audio source failed", slogError(err))
		code := CodeAudioCapture
		if errors.Is(err, ErrPermissionDenied) {
			code = CodeNotAllowed
		}
		h.emit(Event{Type: EventError, Code: code, Message: err.Error()})
		h.emit(Event{Type: EventEnd})
		return
	}
	defer stream.Close()

	msgs := make(chan *nats.Msg, 64)
	conn := h.engine.bus.Conn()
	subPartial, err := conn.ChanSubscribe(protocol.SubjectTranscriptPartial, msgs)
	if err != nil {
		h.emit(Event{Type: EventError, Code: CodeNetwork, Message: err.Error()})
		h.emit(Event{Type: EventEnd})
		return
	}
	defer subPartial.Unsubscribe()
	subFinal, err := conn.ChanSubscribe(protocol.SubjectTranscriptFinal, msgs)
	if err != nil {
		h.emit(Event{Type: EventError, Code: CodeNetwork, Message: err.Error()})
		h.emit(Event{Type: EventEnd})
		return
	}
	defer subFinal.Unsubscribe()

	if p := h.engine.presence; p != nil && !p.Available(capability.Recognize) {
		logger.Warn("no recognizer node on the bus")
		h.emit(Event{Type: EventError, Code: CodeServiceNotAllowed, Message: "no recognizer available"})
		h.emit(Event{Type: EventEnd})
		return
	}

	h.emit(Event{Type: EventStart})
	logger.Debug("bus recognition started")

	var deadline <-chan time.Time
	stopping := false
	stopCh := h.stopCh
	frameCh := stream.Frames()
	beginStop := func() {
		if stopping {
			return
		}
		stopping = true
		h.publishFrame(logger, nil, true)
		if !h.unanswered {
			h.emit(Event{Type: EventEnd})
			return
		}
		timeout := time.Duration(h.engine.cfg.StopTimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		deadline = time.After(timeout)
	}

	for {
		if stopping && deadline == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			stopCh = nil
			beginStop()
		case frame, ok := <-frameCh:
			if !ok {
				frameCh = nil
				beginStop()
				continue
			}
			if stopping {
				continue
			}
			h.publishFrame(logger, frame, false)
		case msg := <-msgs:
			var tr protocol.Transcript
			if err := json.Unmarshal(msg.Data, &tr); err != nil {
				logger.Warn("failed to decode transcript", slogError(err))
				continue
			}
			if tr.SessionID != h.sessionID {
				continue
			}
			final := h.apply(tr)
			if final && stopping {
				h.emit(Event{Type: EventEnd})
				return
			}
		case <-deadline:
			logger.Warn("timed out waiting for final transcript")
			h.emit(Event{Type: EventEnd})
			return
		}
	}
}

// publishFrame streams PCM; once a segment is long enough it is closed with a
// final frame so the runtime emits a final transcript for it.
func (h *busHandle) publishFrame(logger *slog.Logger, pcm []byte, final bool) {
	cfg := h.engine.cfg
	frame := protocol.AudioFrame{
		SessionID:  h.sessionID,
		Sequence:   h.sequence,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Language:   h.opts.Language,
		PCM:        pcm,
		Final:      final,
	}
	h.sequence++
	h.sent += len(pcm)
	if segmentBytes := bytesFor(cfg, cfg.SegmentMS); !final && segmentBytes > 0 && h.sent >= segmentBytes {
		frame.Final = true
	}
	if frame.Final {
		if h.sent > 0 {
			h.unanswered = true
		}
		h.sent = 0
	}
	if err := h.engine.bus.PublishJSON(protocol.AudioFrameSubject(h.sessionID), frame); err != nil {
		logger.Warn("failed to publish audio frame", slogError(err))
	}
}

func (h *busHandle) apply(tr protocol.Transcript) bool {
	for len(h.results) <= h.current {
		h.results = append(h.results, Result{})
	}
	text := strings.TrimSpace(tr.Text)
	index := h.current
	final := !tr.Partial
	if final {
		if text != "" {
			text += " "
		}
		h.current++
		h.unanswered = false
	} else if !h.opts.InterimResults {
		return false
	}
	h.results[index] = Result{Transcript: text, Final: final, Confidence: tr.Confidence}
	h.emit(Event{
		Type:        EventResult,
		ResultIndex: index,
		Results:     append([]Result(nil), h.results...),
	})
	return final
}
