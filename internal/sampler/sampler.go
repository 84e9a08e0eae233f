// Package sampler drives the sensor buses and publishes one snapshot per
// cycle to the telemetry store.
//
// Devices on one bus are sampled one at a time; separate buses are sampled
// concurrently. A failed device becomes a fault in the snapshot and a
// failed bus faults all of its bindings for that cycle. Nothing a sensor
// does stops the loop: it retries every cycle and exposes the state of
// each bus through Health.
package sampler

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/logitemp/logitemp/internal/audit"
	"github.com/logitemp/logitemp/internal/config"
	"github.com/logitemp/logitemp/internal/driver"
	"github.com/logitemp/logitemp/internal/logging"
	"github.com/logitemp/logitemp/internal/telemetry"
)

// ErrNoUsableBus is returned by Discover when no bus could be scanned.
var ErrNoUsableBus = errors.New("no usable sensor bus")

// Interval between repeated warnings for a bus that keeps failing.
const failureLogInterval = 30 * time.Second

// BusHealth is the observable state of one bus. A bus whose scan failed
// during Discover is not Discovered: it is never sampled, so its counters
// stay as Discover left them and LastError holds the scan error.
type BusHealth struct {
	Port                int
	Discovered          bool
	Devices             int
	ConsecutiveFailures int
	LastError           string
	LastSuccess         time.Time
}

// Failing reports whether the last cycle failed on a discovered bus.
func (h BusHealth) Failing() bool {
	return h.Discovered && h.ConsecutiveFailures > 0
}

type busGroup struct {
	bus   driver.SensorBus
	slots []int // indexes into Sampler.bindings
}

type busState struct {
	health    BusHealth
	sometimes *rate.Sometimes
}

// Sampler owns the buses and produces snapshots.
type Sampler struct {
	buses   []driver.SensorBus
	store   *telemetry.Store
	period  time.Duration
	clock   clock.Clock
	logger  logging.Logger
	journal audit.Recorder

	bindings []telemetry.Binding
	groups   []busGroup

	mu      sync.Mutex
	cycle   uint64
	state   map[int]*busState
	lastLog []byte
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Sampler) { s.clock = c }
}

// WithJournal records bus fault and recovery transitions.
func WithJournal(r audit.Recorder) Option {
	return func(s *Sampler) { s.journal = r }
}

// New returns a sampler over buses, in configuration order.
func New(buses []driver.SensorBus, store *telemetry.Store, period time.Duration, logger logging.Logger, opts ...Option) *Sampler {
	s := &Sampler{
		buses:   buses,
		store:   store,
		period:  period,
		clock:   clock.New(),
		logger:  logger,
		journal: audit.Nop,
		state:   make(map[int]*busState, len(buses)),
	}
	for _, o := range opts {
		o(s)
	}
	for _, b := range buses {
		s.state[b.Port()] = &busState{
			health:    BusHealth{Port: b.Port()},
			sometimes: &rate.Sometimes{First: 1, Interval: failureLogInterval},
		}
	}
	return s
}

// Discover scans every bus and fixes the bindings for the life of the
// sampler. A bus that fails to scan is logged and contributes nothing.
func (s *Sampler) Discover(ctx context.Context) ([]telemetry.Binding, error) {
	s.bindings = nil
	s.groups = nil
	usable := 0
	for _, bus := range s.buses {
		ids, err := bus.Scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Errorw("bus scan failed", "port", bus.Port(), "error", err)
			s.recordUnbound(bus.Port(), err)
			continue
		}
		usable++
		group := busGroup{bus: bus}
		for _, id := range ids {
			group.slots = append(group.slots, len(s.bindings))
			s.bindings = append(s.bindings, telemetry.Binding{Port: bus.Port(), Device: id})
			s.logger.Infow("sensor bound", "port", bus.Port(), "serial", id.String())
		}
		s.mu.Lock()
		st := s.state[bus.Port()]
		st.health.Discovered = true
		st.health.Devices = len(ids)
		s.mu.Unlock()
		if len(ids) > 0 {
			s.groups = append(s.groups, group)
		}
	}
	if usable == 0 {
		return nil, errors.Wrapf(ErrNoUsableBus, "scanned %d buses", len(s.buses))
	}
	perBus := make([]int, 0, len(s.groups))
	var conversion time.Duration
	for _, g := range s.groups {
		perBus = append(perBus, len(g.slots))
		if d := g.bus.ConversionDelay(); d > conversion {
			conversion = d
		}
	}
	if worst := config.WorstCaseCycle(perBus, conversion); worst > s.period {
		s.logger.Warnw("sample period is shorter than worst case cycle", "period", s.period, "worst_case", worst)
	}
	out := make([]telemetry.Binding, len(s.bindings))
	copy(out, s.bindings)
	return out, nil
}

// Bindings returns the bindings fixed by Discover.
func (s *Sampler) Bindings() []telemetry.Binding {
	out := make([]telemetry.Binding, len(s.bindings))
	copy(out, s.bindings)
	return out
}

type outcome struct {
	set  bool
	temp telemetry.Centi
	at   time.Time
	err  error
}

// SampleOnce runs one cycle over every binding and publishes the result.
// It only fails when ctx is done, in which case nothing is published.
func (s *Sampler) SampleOnce(ctx context.Context) (*telemetry.Snapshot, error) {
	results := make([]outcome, len(s.bindings))

	var g errgroup.Group
	for _, grp := range s.groups {
		grp := grp
		g.Go(func() error {
			s.sampleBus(ctx, grp, results)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cycle++
	snap := &telemetry.Snapshot{Cycle: s.cycle, TakenAt: s.clock.Now()}
	s.mu.Unlock()

	for i, b := range s.bindings {
		r := results[i]
		switch {
		case r.err != nil:
			snap.Faults = append(snap.Faults, telemetry.Fault{Binding: b, Err: r.err.Error(), At: r.at})
		case r.set:
			snap.Readings = append(snap.Readings, telemetry.Reading{Binding: b, Temp: r.temp, ReadAt: r.at})
		}
	}
	s.store.Publish(snap)
	s.echo(snap)
	return snap, nil
}

// sampleBus walks the bindings of one bus in order: convert, wait, read.
func (s *Sampler) sampleBus(ctx context.Context, grp busGroup, results []outcome) {
	port := grp.bus.Port()
	delay := grp.bus.ConversionDelay()
	for n, slot := range grp.slots {
		if err := grp.bus.Convert(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			now := s.clock.Now()
			for _, rest := range grp.slots[n:] {
				results[rest] = outcome{err: err, at: now}
			}
			s.recordFailure(port, err)
			return
		}
		if !s.sleep(ctx, delay) {
			return
		}
		celsius, err := grp.bus.Read(ctx, s.bindings[slot].Device)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			results[slot] = outcome{err: err, at: s.clock.Now()}
			s.logger.Debugw("sensor read failed", "port", port, "serial", s.bindings[slot].Device.String(), "error", err)
			continue
		}
		results[slot] = outcome{set: true, temp: telemetry.FromCelsius(celsius), at: s.clock.Now()}
	}
	s.recordSuccess(port)
}

func (s *Sampler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run samples every period until ctx is done. It returns nil on
// cancellation; sensor faults never end it.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.period)
	defer ticker.Stop()
	for {
		start := s.clock.Now()
		if _, err := s.SampleOnce(ctx); err != nil {
			return nil
		}
		if took := s.clock.Since(start); took > s.period {
			s.logger.Warnw("sampling cycle overran period", "took", took, "period", s.period)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Health returns the state of every bus in configuration order.
func (s *Sampler) Health() []BusHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BusHealth, 0, len(s.buses))
	for _, b := range s.buses {
		out = append(out, s.state[b.Port()].health)
	}
	return out
}

func (s *Sampler) recordUnbound(port int, err error) {
	s.mu.Lock()
	st := s.state[port]
	st.health.Discovered = false
	st.health.Devices = 0
	st.health.ConsecutiveFailures = 0
	st.health.LastError = err.Error()
	s.mu.Unlock()
	s.journal.Record("sampler", "bus_unbound", fmt.Sprintf("port %d", port), nil, err)
}

func (s *Sampler) recordFailure(port int, err error) {
	s.mu.Lock()
	st := s.state[port]
	st.health.ConsecutiveFailures++
	st.health.LastError = err.Error()
	failures := st.health.ConsecutiveFailures
	s.mu.Unlock()

	subject := fmt.Sprintf("port %d", port)
	if failures == 1 {
		s.journal.Record("sampler", "bus_failing", subject, nil, err)
	}
	st.sometimes.Do(func() {
		s.logger.Warnw("sensor bus failing", "port", port, "consecutive_failures", failures, "error", err)
	})
}

func (s *Sampler) recordSuccess(port int) {
	s.mu.Lock()
	st := s.state[port]
	failures := st.health.ConsecutiveFailures
	st.health.ConsecutiveFailures = 0
	st.health.LastSuccess = s.clock.Now()
	s.mu.Unlock()

	if failures > 0 {
		s.logger.Infow("sensor bus recovered", "port", port, "after_failures", failures)
		s.journal.Record("sampler", "bus_recovered", fmt.Sprintf("port %d", port),
			map[string]interface{}{"after_failures": failures}, nil)
	}
}

// echo logs the readings whenever they differ from the last cycle.
func (s *Sampler) echo(snap *telemetry.Snapshot) {
	data, err := telemetry.Encode(snap)
	if err != nil {
		return
	}
	s.mu.Lock()
	changed := !bytes.Equal(data, s.lastLog)
	s.lastLog = data
	s.mu.Unlock()
	if changed {
		s.logger.Debugw("readings changed", "cycle", snap.Cycle, "faults", len(snap.Faults), "readings", string(data))
	}
}
