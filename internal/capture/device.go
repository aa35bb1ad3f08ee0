package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/visualizer"
)

// Input is an open capture device. Read blocks for one buffer of
// interleaved samples. Input is used by a single goroutine.
type Input interface {
	Read() ([]int16, error)
	Close() error
}

// Driver opens the underlying hardware.
type Driver interface {
	OpenInput() (Input, error)
	Channels() int
}

// Device shares one open Input between every subscriber. The input is opened
// for the first stream and closed when the last one goes away.
type Device struct {
	driver   Driver
	ringSize int
	logger   *slog.Logger

	mu       sync.Mutex
	streams  map[*Stream]struct{}
	stop     chan struct{}
	pumpDone chan struct{}
}

// NewDevice wraps driver. ringSize bounds the sample history analysers see.
func NewDevice(driver Driver, ringSize int, logger *slog.Logger) *Device {
	if ringSize <= 0 {
		ringSize = 32768
	}
	return &Device{
		driver:   driver,
		ringSize: ringSize,
		logger:   logger.With(slog.String("component", "capture")),
		streams:  make(map[*Stream]struct{}),
	}
}

// Acquire implements visualizer.Capture.
func (d *Device) Acquire(ctx context.Context) (visualizer.Stream, error) {
	s, err := d.attach(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Open implements stt.AudioSource.
func (d *Device) Open(ctx context.Context) (stt.AudioStream, error) {
	s, err := d.attach(ctx)
	if err != nil {
		if errors.Is(err, visualizer.ErrPermissionDenied) {
			return nil, fmt.Errorf("%w: %w", stt.ErrPermissionDenied, err)
		}
		return nil, err
	}
	return s, nil
}

// Active reports the number of open streams.
func (d *Device) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

func (d *Device) attach(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	// a previous input may still be closing
	for d.stop == nil && d.pumpDone != nil {
		done := d.pumpDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		d.mu.Lock()
		if d.pumpDone == done {
			d.pumpDone = nil
		}
	}
	defer d.mu.Unlock()

	if d.stop == nil {
		input, err := d.driver.OpenInput()
		if err != nil {
			return nil, err
		}
		d.stop = make(chan struct{})
		d.pumpDone = make(chan struct{})
		go d.pump(input, d.stop, d.pumpDone)
		d.logger.Info("capture input opened")
	}
	s := &Stream{
		device: d,
		ring:   NewRing(d.ringSize),
		frames: make(chan []byte, 64),
	}
	d.streams[s] = struct{}{}
	return s, nil
}

func (d *Device) detach(s *Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.streams[s]; !ok {
		return
	}
	delete(d.streams, s)
	close(s.frames)
	if len(d.streams) == 0 && d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
}

func (d *Device) pump(input Input, stop, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := input.Close(); err != nil {
			d.logger.Warn("close capture input failed", slogError(err))
		}
		d.logger.Info("capture input closed")
	}()
	channels := d.driver.Channels()
	for {
		select {
		case <-stop:
			return
		default:
		}
		block, err := input.Read()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			d.logger.Warn("capture read failed", slogError(err))
			d.closeAll(stop)
			return
		}
		d.fanout(stop, Mono(block, channels))
	}
}

func (d *Device) fanout(stop chan struct{}, samples []int16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != stop || len(samples) == 0 {
		return
	}
	pcm := EncodePCM(samples)
	for s := range d.streams {
		s.ring.Write(samples)
		select {
		case s.frames <- pcm:
		default:
			// slow consumer; the ring still has the samples
		}
	}
}

// closeAll ends every stream after a device failure.
func (d *Device) closeAll(stop chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != stop {
		return
	}
	for s := range d.streams {
		delete(d.streams, s)
		close(s.frames)
	}
	d.stop = nil
}

// Stream is one subscriber's view of the device. It is a single track.
type Stream struct {
	device *Device
	ring   *Ring
	frames chan []byte
	once   sync.Once
}

func (s *Stream) Tracks() []visualizer.Track { return []visualizer.Track{s} }

func (s *Stream) Ring() *Ring { return s.ring }

func (s *Stream) Frames() <-chan []byte { return s.frames }

// Stop implements visualizer.Track.
func (s *Stream) Stop() { _ = s.Close() }

func (s *Stream) Close() error {
	s.once.Do(func() { s.device.detach(s) })
	return nil
}

// Mono averages interleaved channels.
func Mono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// EncodePCM renders samples as 16-bit little-endian bytes.
func EncodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
