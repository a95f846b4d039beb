package terminal

import (
	"io"
	"sync"
	"time"
)

const (
	// EscapeChar is Ctrl+] (0x1D).
	EscapeChar = 0x1D

	// EscapeCount is the number of consecutive escape chars needed.
	EscapeCount = 2

	// EscapeTimeout is the maximum time between escape key presses.
	EscapeTimeout = 500 * time.Millisecond
)

// EscapeReader wraps keyboard input and detects the detach sequence.
// When EscapeCount consecutive EscapeChar bytes arrive within
// EscapeTimeout of each other, Escaped is closed and Read returns io.EOF.
// Escape chars that turn out not to be part of the sequence are passed on.
type EscapeReader struct {
	r           io.Reader
	escaped     chan struct{}
	escapedOnce sync.Once
	now         func() time.Time

	mu   sync.Mutex
	out  []byte
	held int
	last time.Time
	done bool
}

// NewEscapeReader creates an EscapeReader wrapping the given reader.
func NewEscapeReader(r io.Reader) *EscapeReader {
	return &EscapeReader{
		r:       r,
		escaped: make(chan struct{}),
		now:     time.Now,
	}
}

// Escaped returns a channel that is closed when the escape sequence is detected.
func (e *EscapeReader) Escaped() <-chan struct{} {
	return e.escaped
}

func (e *EscapeReader) flushHeld() {
	for ; e.held > 0; e.held-- {
		e.out = append(e.out, EscapeChar)
	}
}

// Read returns input with escape handling applied. It may return 0, nil
// while escape chars are held back waiting for the rest of the sequence.
func (e *EscapeReader) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.out) == 0 && !e.done {
		buf := make([]byte, len(p))
		n, err := e.r.Read(buf)
		for _, b := range buf[:n] {
			if b != EscapeChar {
				e.flushHeld()
				e.out = append(e.out, b)
				continue
			}
			now := e.now()
			if e.held > 0 && now.Sub(e.last) > EscapeTimeout {
				e.flushHeld()
			}
			e.held++
			e.last = now
			if e.held >= EscapeCount {
				e.held = 0
				e.done = true
				e.escapedOnce.Do(func() { close(e.escaped) })
				break
			}
		}
		if err != nil && !e.done {
			e.flushHeld()
			if len(e.out) == 0 {
				return 0, err
			}
		}
	}

	if len(e.out) == 0 {
		if e.done {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, e.out)
	e.out = e.out[n:]
	return n, nil
}
