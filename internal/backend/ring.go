package backend

import "sync"

// outputRing is a fixed-capacity byte ring holding the most recent output of
// one container session, so a client attaching after the process started can
// be replayed recent frames. It is distinct from the cross-backend
// reconnection buffer, which stores sanitized text fragments.
type outputRing struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int
	full bool
}

func newOutputRing(size int) *outputRing {
	return &outputRing{buf: make([]byte, size), size: size}
}

func (r *outputRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n >= r.size {
		// Only the tail fits; everything earlier is already lost.
		copy(r.buf, p[n-r.size:])
		r.pos = 0
		r.full = true
		return n, nil
	}
	for _, b := range p {
		r.buf[r.pos] = b
		r.pos++
		if r.pos == r.size {
			r.pos = 0
			r.full = true
		}
	}
	return n, nil
}

// Bytes returns the buffered output oldest-first.
func (r *outputRing) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]byte(nil), r.buf[:r.pos]...)
	}
	out := make([]byte, 0, r.size)
	out = append(out, r.buf[r.pos:]...)
	out = append(out, r.buf[:r.pos]...)
	return out
}

func (r *outputRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.size
	}
	return r.pos
}
