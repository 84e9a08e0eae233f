package fake

import (
	"sync"

	"github.com/logitemp/logitemp/internal/driver"
)

// Strip is a recording driver.LedStrip.
type Strip struct {
	mu       sync.Mutex
	staged   []driver.RGB
	frames   [][]driver.RGB
	sets     int
	flushErr error
	closed   bool
}

// NewStrip returns a strip of n LEDs, all off.
func NewStrip(n int) *Strip {
	return &Strip{staged: make([]driver.RGB, n)}
}

// Len implements driver.LedStrip.
func (s *Strip) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged)
}

// Set implements driver.LedStrip.
func (s *Strip) Set(index int, c driver.RGB) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.staged) {
		return driver.ErrIndexRange
	}
	s.staged[index] = c
	s.sets++
	return nil
}

// Flush implements driver.LedStrip. Every successful flush is recorded.
func (s *Strip) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushErr != nil {
		return s.flushErr
	}
	frame := make([]driver.RGB, len(s.staged))
	copy(frame, s.staged)
	s.frames = append(s.frames, frame)
	return nil
}

// Close implements driver.LedStrip.
func (s *Strip) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FailFlush makes Flush return err until err is nil again.
func (s *Strip) FailFlush(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushErr = err
}

// Frames returns a copy of every flushed frame in order.
func (s *Strip) Frames() [][]driver.RGB {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]driver.RGB, len(s.frames))
	copy(out, s.frames)
	return out
}

// Last returns the most recently flushed frame, or nil.
func (s *Strip) Last() []driver.RGB {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// Sets is the number of successful Set calls.
func (s *Strip) Sets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

// Closed reports whether Close was called.
func (s *Strip) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
