// Package ringbuf provides a byte-capped FIFO buffer that keeps only the most
// recent bytes written to it.
package ringbuf

import (
	"os"
	"sync"
)

// minGrow is the smallest backing allocation made on first write. Buffers
// grow on demand up to their cap so idle sessions stay cheap.
const minGrow = 4096

// Ring is a circular byte buffer bounded by a fixed capacity in bytes.
// Once full, each write evicts the oldest bytes. Evicted bytes are gone.
//
// Ring is not safe for concurrent use; wrap it in a Locked when several
// goroutines write to it.
type Ring struct {
	buf   []byte
	cap   int
	start int // index of the oldest byte
	n     int // number of valid bytes
}

// New creates a ring holding at most capacity bytes.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 10 * 1024 * 1024
	}
	return &Ring{cap: capacity}
}

// Cap returns the byte capacity.
func (r *Ring) Cap() int { return r.cap }

// Len returns the number of bytes currently retained.
func (r *Ring) Len() int { return r.n }

// Write implements io.Writer. It never fails.
func (r *Ring) Write(p []byte) (int, error) {
	written := len(p)
	if written == 0 {
		return 0, nil
	}
	if len(p) >= r.cap {
		// Only the tail survives.
		r.grow(r.cap)
		copy(r.buf, p[len(p)-r.cap:])
		r.start = 0
		r.n = r.cap
		return written, nil
	}

	if r.n+len(p) > len(r.buf) && len(r.buf) < r.cap {
		r.grow(r.n + len(p))
	}

	size := len(r.buf)
	// Evict from the front when the new bytes do not fit.
	if over := r.n + len(p) - size; over > 0 {
		r.start = (r.start + over) % size
		r.n -= over
	}
	end := (r.start + r.n) % size
	c := copy(r.buf[end:], p)
	if c < len(p) {
		copy(r.buf, p[c:])
	}
	r.n += len(p)
	return written, nil
}

// grow linearizes the contents into a larger backing slice of at least want
// bytes, capped at r.cap.
func (r *Ring) grow(want int) {
	size := len(r.buf) * 2
	if size < minGrow {
		size = minGrow
	}
	if size < want {
		size = want
	}
	if size > r.cap {
		size = r.cap
	}
	if size <= len(r.buf) {
		return
	}
	nb := make([]byte, size)
	r.copyOut(nb)
	r.buf = nb
	r.start = 0
}

func (r *Ring) copyOut(dst []byte) {
	if r.n == 0 {
		return
	}
	size := len(r.buf)
	end := r.start + r.n
	if end <= size {
		copy(dst, r.buf[r.start:end])
		return
	}
	c := copy(dst, r.buf[r.start:])
	copy(dst[c:], r.buf[:end-size])
}

// Bytes returns a copy of the retained bytes in write order.
func (r *Ring) Bytes() []byte {
	out := make([]byte, r.n)
	r.copyOut(out)
	return out
}

// Reset drops all retained bytes and releases the backing storage.
func (r *Ring) Reset() {
	r.buf = nil
	r.start = 0
	r.n = 0
}

// Locked is a Ring guarded by a mutex, suitable as a log sink.
type Locked struct {
	mu   sync.Mutex
	ring *Ring
}

// NewLocked creates a mutex-guarded ring.
func NewLocked(capacity int) *Locked {
	return &Locked{ring: New(capacity)}
}

// Write implements io.Writer.
func (l *Locked) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Write(p)
}

// Bytes returns the retained bytes in write order.
func (l *Locked) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Bytes()
}

// DumpToFile writes the retained bytes to path.
func (l *Locked) DumpToFile(path string) error {
	return os.WriteFile(path, l.Bytes(), 0o644)
}
