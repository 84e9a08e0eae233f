// Package heartbeat pulses the status LED so an observer can tell the node
// is alive.
//
// Two goroutines cooperate. The pulse loop walks the phase angle one degree
// per step and records a pending color whenever the rounded intensity
// changes. The flush loop runs on its own ticker and is the only caller of
// the strip, so LED writes never happen at the pace of the waveform.
package heartbeat

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/logitemp/logitemp/internal/driver"
	"github.com/logitemp/logitemp/internal/logging"
)

// DefaultFlushInterval is used when no interval is configured.
const DefaultFlushInterval = 20 * time.Millisecond

// Pulse describes one waveform.
type Pulse struct {
	Color     driver.RGB
	Start     uint8
	Stop      uint8
	Frequency float64 // full cycles per second
}

// Intensity returns round(start + (sin(theta)+1)/2 * (stop-start)) for theta
// in degrees.
func Intensity(theta int, start, stop uint8) uint8 {
	s := (math.Sin(float64(theta)*math.Pi/180) + 1) / 2
	return uint8(math.Round(float64(start) + s*float64(int(stop)-int(start))))
}

// StepDelay is the time spent on each degree: 1 / (frequency * 360).
func StepDelay(frequency float64) time.Duration {
	return time.Duration(float64(time.Second) / (frequency * 360))
}

// CheckFrequency rejects frequencies whose per-degree step is not a positive
// Duration: non-finite values, values at or below zero, values so high the
// step truncates to zero and values so low it overflows int64 nanoseconds.
func CheckFrequency(frequency float64) error {
	if frequency <= 0 || math.IsInf(frequency, 0) || math.IsNaN(frequency) {
		return errors.Errorf("invalid pulse frequency %v", frequency)
	}
	ns := float64(time.Second) / (frequency * 360)
	if ns < 1 || ns >= math.MaxInt64 {
		return errors.Errorf("pulse frequency %v Hz gives an unusable step of %v ns", frequency, ns)
	}
	return nil
}

// Heartbeat owns the pulse state and the strip.
type Heartbeat struct {
	strip      driver.LedStrip
	clock      clock.Clock
	logger     logging.Logger
	flushEvery time.Duration
	sometimes  rate.Sometimes

	// mu serializes Start, Stop and Clear.
	mu        sync.Mutex
	running   atomic.Bool
	stopPulse chan struct{}
	stopFlush chan struct{}
	pulseDone chan struct{}
	flushDone chan struct{}

	pendMu  sync.Mutex
	pending driver.RGB
	dirty   bool

	generators atomic.Int32
}

// New returns a stopped heartbeat on strip. flushEvery <= 0 selects
// DefaultFlushInterval.
func New(strip driver.LedStrip, flushEvery time.Duration, logger logging.Logger, clk clock.Clock) *Heartbeat {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Heartbeat{
		strip:      strip,
		clock:      clk,
		logger:     logger,
		flushEvery: flushEvery,
		sometimes:  rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Start begins the waveform. It is a no-op while already running.
func (h *Heartbeat) Start(p Pulse) error {
	if err := CheckFrequency(p.Frequency); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running.Load() {
		return nil
	}
	h.stopPulse = make(chan struct{})
	h.stopFlush = make(chan struct{})
	h.pulseDone = make(chan struct{})
	h.flushDone = make(chan struct{})
	h.running.Store(true)

	h.generators.Inc()
	go h.pulse(p, StepDelay(p.Frequency), h.stopPulse, h.pulseDone)
	go h.flushLoop(h.stopFlush, h.flushDone)
	h.logger.Debugw("heartbeat started", "frequency", p.Frequency, "start", p.Start, "stop", p.Stop)
	return nil
}

// Stop ends the waveform and returns once both loops have exited. The
// last computed color is flushed; the LED is not cleared. Stopping a
// stopped heartbeat does nothing.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Heartbeat) stopLocked() {
	if !h.running.Load() {
		return
	}
	close(h.stopPulse)
	<-h.pulseDone
	close(h.stopFlush)
	<-h.flushDone
	h.running.Store(false)
	h.logger.Debug("heartbeat stopped")
}

// Running reports whether the waveform is active.
func (h *Heartbeat) Running() bool {
	return h.running.Load()
}

// Clear stops the waveform and turns every LED off.
func (h *Heartbeat) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	for i := 0; i < h.strip.Len(); i++ {
		if err := h.strip.Set(i, driver.RGB{}); err != nil {
			return errors.Wrapf(err, "clear led %d", i)
		}
	}
	return errors.Wrap(h.strip.Flush(), "clear flush")
}

func (h *Heartbeat) pulse(p Pulse, step time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer h.generators.Dec()

	ticker := h.clock.Ticker(step)
	defer ticker.Stop()

	last := -1
	for theta := 0; ; theta = (theta + 1) % 360 {
		if i := Intensity(theta, p.Start, p.Stop); int(i) != last {
			h.setPending(p.Color.Scale(i))
			last = int(i)
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (h *Heartbeat) flushLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := h.clock.Ticker(h.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			h.flushPending()
			return
		case <-ticker.C:
			h.flushPending()
		}
	}
}

func (h *Heartbeat) setPending(c driver.RGB) {
	h.pendMu.Lock()
	h.pending = c
	h.dirty = true
	h.pendMu.Unlock()
}

func (h *Heartbeat) flushPending() {
	h.pendMu.Lock()
	c, dirty := h.pending, h.dirty
	h.dirty = false
	h.pendMu.Unlock()
	if !dirty {
		return
	}
	err := h.strip.Set(0, c)
	if err == nil {
		err = h.strip.Flush()
	}
	if err != nil {
		h.sometimes.Do(func() {
			h.logger.Warnw("led write failed", "error", err)
		})
	}
}
