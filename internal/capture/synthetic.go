package capture

import (
	"errors"
	"io"
	"math"
	"sync"
	"time"
)

// Synthetic is a hardware-free driver producing a sine tone at real-time
// pace. A zero ToneHz yields silence.
type Synthetic struct {
	SampleRate      int
	FramesPerBuffer int
	ToneHz          float64
	// Amplitude is a fraction of full scale; zero means 0.3.
	Amplitude float64
	// Err, when set, is returned from OpenInput.
	Err error

	mu    sync.Mutex
	opens int
}

func (s *Synthetic) Channels() int { return 1 }

// Opens reports how many times the input was opened.
func (s *Synthetic) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *Synthetic) OpenInput() (Input, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.SampleRate <= 0 || s.FramesPerBuffer <= 0 {
		return nil, errors.New("synthetic capture needs a sample rate and buffer size")
	}
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	amp := s.Amplitude
	if amp <= 0 {
		amp = 0.3
	}
	interval := time.Duration(s.FramesPerBuffer) * time.Second / time.Duration(s.SampleRate)
	return &toneInput{
		ticker: time.NewTicker(interval),
		buf:    make([]int16, s.FramesPerBuffer),
		step:   2 * math.Pi * s.ToneHz / float64(s.SampleRate),
		amp:    amp * math.MaxInt16,
		done:   make(chan struct{}),
	}, nil
}

type toneInput struct {
	ticker *time.Ticker
	buf    []int16
	phase  float64
	step   float64
	amp    float64
	done   chan struct{}
	closed bool
}

func (t *toneInput) Read() ([]int16, error) {
	select {
	case <-t.done:
		return nil, io.EOF
	case <-t.ticker.C:
	}
	for i := range t.buf {
		t.buf[i] = int16(t.amp * math.Sin(t.phase))
		t.phase += t.step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return t.buf, nil
}

func (t *toneInput) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.ticker.Stop()
	close(t.done)
	return nil
}
