package capture

import (
	"errors"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/visualizer"
)

// Sampled is implemented by streams that keep a rolling sample history.
type Sampled interface {
	Ring() *Ring
}

// Context builds analysers over sampled streams. One Context serves every
// session.
type Context struct{}

func NewContext() *Context { return &Context{} }

func (c *Context) NewAnalyser(stream visualizer.Stream, fftSize int) (visualizer.Analyser, error) {
	sampled, ok := stream.(Sampled)
	if !ok {
		return nil, errors.New("stream does not expose samples")
	}
	if fftSize <= 0 {
		return nil, errors.New("fft size must be positive")
	}
	return &analyser{ring: sampled.Ring(), scratch: make([]int16, fftSize)}, nil
}

type analyser struct {
	mu           sync.Mutex
	ring         *Ring
	scratch      []int16
	disconnected bool
}

// TimeDomainData writes the newest samples as unsigned bytes centred on 128.
func (a *analyser) TimeDomainData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disconnected {
		for i := range dst {
			dst[i] = 128
		}
		return
	}
	if len(a.scratch) < len(dst) {
		a.scratch = make([]int16, len(dst))
	}
	window := a.scratch[:len(dst)]
	a.ring.Latest(window)
	for i, s := range window {
		dst[i] = ToUnsigned(s)
	}
}

func (a *analyser) Disconnect() {
	a.mu.Lock()
	a.disconnected = true
	a.mu.Unlock()
}

// ToUnsigned maps a signed 16-bit sample onto 0..255.
func ToUnsigned(s int16) byte {
	return byte((int32(s) + 32768) >> 8)
}
