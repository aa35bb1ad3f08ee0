package capture

import "sync"

// Ring keeps the most recent samples written to it.
type Ring struct {
	mu     sync.Mutex
	buf    []int16
	pos    int
	filled bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]int16, size)}
}

func (r *Ring) Write(samples []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range samples {
		r.buf[r.pos] = s
		r.pos++
		if r.pos == len(r.buf) {
			r.pos = 0
			r.filled = true
		}
	}
}

// Latest copies the newest len(dst) samples into dst, oldest first. Missing
// history is filled with silence at the front. It returns the number of
// real samples copied.
func (r *Ring) Latest(dst []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	avail := r.pos
	if r.filled {
		avail = len(r.buf)
	}
	n := len(dst)
	if n > avail {
		n = avail
	}
	pad := len(dst) - n
	for i := 0; i < pad; i++ {
		dst[i] = 0
	}
	start := r.pos - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		dst[pad+i] = r.buf[(start+i)%len(r.buf)]
	}
	return n
}
