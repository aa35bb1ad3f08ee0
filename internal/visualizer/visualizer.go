package visualizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/eventloop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrPermissionDenied is returned by a Capture when microphone access is refused.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrNoCaptureDevice is returned when the host has no usable input device.
	ErrNoCaptureDevice = errors.New("no audio capture device available")
)

// DefaultFFTSize favours latency over frequency resolution.
const DefaultFFTSize = 256

// Capture acquires exclusive access to a microphone. ctx bounds only the
// acquisition; the returned stream lives until its tracks are stopped.
type Capture interface {
	Acquire(ctx context.Context) (Stream, error)
}

type Stream interface {
	Tracks() []Track
}

type Track interface {
	Stop()
}

// AudioContext builds analysis stages over captured streams. It may be shared
// across sessions.
type AudioContext interface {
	NewAnalyser(stream Stream, fftSize int) (Analyser, error)
}

// Analyser exposes the latest time-domain samples as unsigned bytes, 128
// being silence.
type Analyser interface {
	TimeDomainData(dst []byte)
	Disconnect()
}

// Surface is a fixed-size drawing target.
type Surface interface {
	Size() (width, height int)
	DrawPolyline(points []Point)
}

// Scheduler runs callbacks on the event loop.
type Scheduler interface {
	Post(fn func()) bool
	AfterFrame(fn func()) *eventloop.Timer
}

type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
)

type Options struct {
	FFTSize int
	// OnError receives acquisition failures. Called on the loop.
	OnError func(error)
	// OnState receives every state transition. Called on the loop.
	OnState func(State)
}

// Visualizer owns one captured stream and its redraw loop. Start, Stop and
// State must be called on the loop goroutine.
type Visualizer struct {
	capture Capture
	audio   AudioContext
	surface Surface
	sched   Scheduler
	opts    Options
	logger  *slog.Logger

	state         State
	gen           uint64
	pending       bool
	cancelAcquire context.CancelFunc
	stream        Stream
	analyser      Analyser
	frame         *eventloop.Timer
	samples       []byte

	frames          metric.Int64Counter
	acquireFailures metric.Int64Counter
}

func New(capture Capture, audio AudioContext, surface Surface, sched Scheduler, opts Options, logger *slog.Logger) *Visualizer {
	if opts.FFTSize <= 0 {
		opts.FFTSize = DefaultFFTSize
	}
	v := &Visualizer{
		capture: capture,
		audio:   audio,
		surface: surface,
		sched:   sched,
		opts:    opts,
		logger:  logger.With(slog.String("component", "visualizer")),
		state:   StateIdle,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/visualizer")
	var err error
	if v.frames, err = meter.Int64Counter("scribe.visualizer.frames", metric.WithDescription("Waveform frames drawn")); err != nil {
		v.logger.Warn("failed to create metric", slogError(err))
	}
	if v.acquireFailures, err = meter.Int64Counter("scribe.visualizer.acquire_failures", metric.WithDescription("Microphone acquisitions that failed")); err != nil {
		v.logger.Warn("failed to create metric", slogError(err))
	}
	return v
}

func (v *Visualizer) State() State { return v.state }

// Pending reports whether an acquisition is in flight.
func (v *Visualizer) Pending() bool { return v.pending }

// Start requests the microphone. The outcome arrives later on the loop.
func (v *Visualizer) Start() {
	if v.state == StateCapturing || v.pending {
		return
	}
	if v.capture == nil || v.audio == nil {
		v.fail(ErrNoCaptureDevice)
		return
	}
	v.gen++
	gen := v.gen
	ctx, cancel := context.WithCancel(context.Background())
	v.cancelAcquire = cancel
	v.pending = true
	v.logger.Debug("requesting microphone")

	go func() {
		stream, err := v.capture.Acquire(ctx)
		if !v.sched.Post(func() { v.acquired(gen, stream, err) }) && stream != nil {
			stopTracks(stream)
		}
	}()
}

func (v *Visualizer) acquired(gen uint64, stream Stream, err error) {
	if gen != v.gen {
		// stopped while the acquisition was in flight
		if stream != nil {
			stopTracks(stream)
		}
		return
	}
	v.pending = false
	if v.cancelAcquire != nil {
		v.cancelAcquire()
		v.cancelAcquire = nil
	}
	if err != nil {
		if stream != nil {
			stopTracks(stream)
		}
		v.fail(classify(err))
		return
	}
	analyser, err := v.audio.NewAnalyser(stream, v.opts.FFTSize)
	if err != nil {
		stopTracks(stream)
		v.fail(fmt.Errorf("create analyser: %w", err))
		return
	}
	v.stream = stream
	v.analyser = analyser
	if len(v.samples) != v.opts.FFTSize {
		v.samples = make([]byte, v.opts.FFTSize)
	}
	v.setState(StateCapturing)
	v.logger.Info("visualizer capturing", slog.Int("fft_size", v.opts.FFTSize))
	v.draw(gen)
}

func (v *Visualizer) draw(gen uint64) {
	v.frame = nil
	if gen != v.gen || v.state != StateCapturing {
		return
	}
	v.analyser.TimeDomainData(v.samples)
	if v.surface != nil {
		w, h := v.surface.Size()
		v.surface.DrawPolyline(Waveform(v.samples, w, h))
	}
	if v.frames != nil {
		v.frames.Add(context.Background(), 1)
	}
	v.frame = v.sched.AfterFrame(func() { v.draw(gen) })
}

// Stop releases everything Start acquired. It is safe to call at any time
// and any number of times.
func (v *Visualizer) Stop() {
	v.gen++
	v.pending = false
	if v.cancelAcquire != nil {
		v.cancelAcquire()
		v.cancelAcquire = nil
	}
	if v.frame != nil {
		v.frame.Cancel()
		v.frame = nil
	}
	if v.analyser != nil {
		v.analyser.Disconnect()
		v.analyser = nil
	}
	if v.stream != nil {
		stopTracks(v.stream)
		v.stream = nil
	}
	if v.state != StateIdle {
		v.setState(StateIdle)
		v.logger.Info("visualizer stopped")
	}
}

func (v *Visualizer) setState(s State) {
	v.state = s
	if v.opts.OnState != nil {
		v.opts.OnState(s)
	}
}

func (v *Visualizer) fail(err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrPermissionDenied):
		reason = "permission_denied"
	case errors.Is(err, ErrNoCaptureDevice):
		reason = "no_device"
	}
	if v.acquireFailures != nil {
		v.acquireFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	v.logger.Warn("microphone unavailable", slogError(err))
	if v.opts.OnError != nil {
		v.opts.OnError(err)
	}
}

func classify(err error) error {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNoCaptureDevice) {
		return err
	}
	return fmt.Errorf("acquire microphone: %w", err)
}

func stopTracks(stream Stream) {
	for _, track := range stream.Tracks() {
		track.Stop()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
