package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// LocalEngine runs a batch Recognizer over live PCM: interim passes on the
// growing segment, and a final pass once the segment is long enough.
type LocalEngine struct {
	cfg        config.STTConfig
	recognizer Recognizer
	source     AudioSource
	logger     *slog.Logger
}

func NewLocalEngine(cfg config.STTConfig, recognizer Recognizer, source AudioSource, logger *slog.Logger) *LocalEngine {
	return &LocalEngine{
		cfg:        cfg,
		recognizer: recognizer,
		source:     source,
		logger:     logger.With(slog.String("component", "stt-local")),
	}
}

func (e *LocalEngine) Available() bool {
	return e != nil && e.recognizer != nil && e.source != nil
}

func (e *LocalEngine) NewHandle(opts HandleOptions, emit func(Event)) (Handle, error) {
	return &localHandle{engine: e, opts: opts, emit: emit}, nil
}

type job struct {
	pcm   []byte
	index int
	final bool
}

type localHandle struct {
	engine *LocalEngine
	opts   HandleOptions
	emit   func(Event)

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	stopped bool

	// owned by the run goroutine
	buffer      []byte
	segment     int
	lastPartial time.Time
	inflight    bool
	inflightMu  sync.Mutex

	// owned by the worker goroutine
	results []Result
}

func (h *localHandle) Start() error {
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

func (h *localHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started || h.stopped {
		return nil
	}
	h.stopped = true
	close(h.stopCh)
	return nil
}

func (h *localHandle) Abort() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

func (h *localHandle) run(ctx context.Context) {
	stream, err := h.engine.source.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.engine.logger.Warn("open audio source failed", slogError(err))
		code := CodeAudioCapture
		if errors.Is(err, ErrPermissionDenied) {
			code = CodeNotAllowed
		}
		h.emit(Event{Type: EventError, Code: code, Message: err.Error()})
		h.emit(Event{Type: EventEnd})
		return
	}
	defer stream.Close()

	jobs := make(chan job, 8)
	workerDone := make(chan struct{})
	go h.work(ctx, jobs, workerDone)

	h.emit(Event{Type: EventStart})

	finish := func() {
		h.scheduleTranscription(jobs, true)
		close(jobs)
		select {
		case <-workerDone:
		case <-ctx.Done():
			return
		}
		if ctx.Err() == nil {
			h.emit(Event{Type: EventEnd})
		}
	}

	frames := stream.Frames()
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			return
		case <-h.stopCh:
			finish()
			return
		case frame, ok := <-frames:
			if !ok {
				finish()
				return
			}
			h.handleFrame(jobs, frame)
		}
	}
}

func (h *localHandle) handleFrame(jobs chan<- job, frame []byte) {
	h.buffer = append(h.buffer, frame...)
	cfg := h.engine.cfg
	if segmentBytes := bytesFor(cfg, cfg.SegmentMS); segmentBytes > 0 && len(h.buffer) >= segmentBytes {
		h.scheduleTranscription(jobs, true)
		return
	}
	if h.shouldSchedulePartial() {
		h.scheduleTranscription(jobs, false)
	}
}

func (h *localHandle) shouldSchedulePartial() bool {
	h.inflightMu.Lock()
	defer h.inflightMu.Unlock()
	if h.inflight {
		return false
	}
	interval := time.Duration(h.engine.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if h.lastPartial.IsZero() || time.Since(h.lastPartial) >= interval {
		h.lastPartial = time.Now()
		return true
	}
	return false
}

// scheduleTranscription queues a pass over the current segment. A final pass
// hands the segment off and starts a new one; partial passes never overlap.
func (h *localHandle) scheduleTranscription(jobs chan<- job, final bool) {
	if len(h.buffer) == 0 {
		return
	}
	pcm := append([]byte(nil), h.buffer...)
	j := job{pcm: pcm, index: h.segment, final: final}
	if final {
		h.buffer = h.buffer[:0]
		h.segment++
		h.lastPartial = time.Time{}
		jobs <- j
		return
	}
	h.inflightMu.Lock()
	h.inflight = true
	h.inflightMu.Unlock()
	select {
	case jobs <- j:
	default:
		h.inflightMu.Lock()
		h.inflight = false
		h.inflightMu.Unlock()
	}
}

func (h *localHandle) work(ctx context.Context, jobs <-chan job, done chan<- struct{}) {
	defer close(done)
	cfg := h.engine.cfg
	for j := range jobs {
		if ctx.Err() != nil {
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
		result, err := h.engine.recognizer.Transcribe(reqCtx, TranscribeRequest{
			PCM:        j.pcm,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			Language:   h.opts.Language,
			Final:      j.final,
		})
		cancel()
		if !j.final {
			h.inflightMu.Lock()
			h.inflight = false
			h.inflightMu.Unlock()
		}
		if ctx.Err() != nil {
			continue
		}
		if err != nil {
			h.engine.logger.Warn("stt transcription failed", slogError(err))
			h.emit(Event{Type: EventError, Code: CodeNetwork, Message: err.Error()})
			continue
		}
		if !j.final && !h.opts.InterimResults {
			continue
		}
		h.publish(j, strings.TrimSpace(result.Text), result.Confidence)
	}
}

func (h *localHandle) publish(j job, text string, confidence float64) {
	for len(h.results) <= j.index {
		h.results = append(h.results, Result{})
	}
	if h.results[j.index].Final {
		return
	}
	if j.final && text != "" {
		text += " "
	}
	h.results[j.index] = Result{Transcript: text, Final: j.final, Confidence: confidence}
	h.emit(Event{
		Type:        EventResult,
		ResultIndex: j.index,
		Results:     append([]Result(nil), h.results...),
	})
}

func bytesFor(cfg config.STTConfig, ms int) int {
	if ms <= 0 || cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return 0
	}
	return cfg.SampleRate * cfg.Channels * 2 * ms / 1000
}
