// Package node wires the telemetry node together: it runs the startup
// steps in order, supervises the long running components and tears them
// down on shutdown.
package node

import (
	"context"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/logitemp/logitemp/internal/audit"
	"github.com/logitemp/logitemp/internal/config"
	"github.com/logitemp/logitemp/internal/driver"
	"github.com/logitemp/logitemp/internal/heartbeat"
	"github.com/logitemp/logitemp/internal/logging"
	"github.com/logitemp/logitemp/internal/netjoin"
	"github.com/logitemp/logitemp/internal/sampler"
	"github.com/logitemp/logitemp/internal/status"
	"github.com/logitemp/logitemp/internal/stream"
	"github.com/logitemp/logitemp/internal/telemetry"
)

// Node owns every component and the store they share.
type Node struct {
	cfg    *config.Config
	logger logging.Logger
	clock  clock.Clock
	joiner netjoin.Joiner

	drivers  Drivers
	injected bool

	store        *telemetry.Store
	journal      audit.Recorder
	closeJournal func() error
	sampler      *sampler.Sampler
	stream       *stream.Server
	status       *status.Server
	heartbeat    *heartbeat.Heartbeat

	ready        chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Node.
type Option func(*Node)

// WithDrivers supplies already opened drivers instead of opening them from
// config. The node closes them on shutdown.
func WithDrivers(d Drivers) Option {
	return func(n *Node) {
		n.drivers = d
		n.injected = true
	}
}

// WithJoiner replaces the host network joiner.
func WithJoiner(j netjoin.Joiner) Option {
	return func(n *Node) { n.joiner = j }
}

// WithClock replaces the wall clock for every component.
func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// New returns a node for a validated config.
func New(cfg *config.Config, logger logging.Logger, opts ...Option) *Node {
	n := &Node{
		cfg:          cfg,
		logger:       logger,
		clock:        clock.New(),
		store:        telemetry.NewStore(),
		journal:      audit.Nop,
		closeJournal: func() error { return nil },
		ready:        make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	if n.joiner == nil {
		n.joiner = netjoin.NewHostJoiner(nil, n.clock, logger.Named("netjoin"))
	}
	return n
}

// Store returns the shared telemetry store.
func (n *Node) Store() *telemetry.Store {
	return n.store
}

// Ready is closed once every startup step has succeeded.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// StreamAddr returns the bound stream address, or nil before startup.
func (n *Node) StreamAddr() net.Addr {
	if n.stream == nil {
		return nil
	}
	return n.stream.Addr()
}

// StatusAddr returns the bound status address, or nil when disabled.
func (n *Node) StatusAddr() net.Addr {
	if n.status == nil {
		return nil
	}
	return n.status.Addr()
}

// Health reports the per bus sampler health.
func (n *Node) Health() []sampler.BusHealth {
	if n.sampler == nil {
		return nil
	}
	return n.sampler.Health()
}

// Run starts the node and blocks until ctx is done or a component fails.
// Startup faults are returned as *StartupError. Resources are released
// before Run returns.
func (n *Node) Run(ctx context.Context) error {
	if err := n.start(ctx); err != nil {
		return multierr.Append(err, n.Shutdown())
	}
	close(n.ready)
	n.logger.Info("node started")

	err := n.serve(ctx)
	if err != nil {
		n.logger.Errorw("component failed", "error", err)
	}
	return multierr.Append(err, n.Shutdown())
}

func (n *Node) start(ctx context.Context) error {
	// Step 1: session journal
	journal, closeJournal, err := audit.NewJournal(n.cfg.Journal, n.clock, n.logger.Named("audit"))
	if err != nil {
		return startupError(ClassOther, err, "open session journal")
	}
	n.journal, n.closeJournal = journal, closeJournal

	// Step 2: drivers
	if !n.injected {
		d, err := OpenDrivers(n.cfg, n.logger.Named("driver"))
		if err != nil {
			return err
		}
		n.drivers = d
	}

	// Step 3: heartbeat, pulsing through the join
	if n.drivers.Strip != nil {
		pulse, err := pulseFromConfig(n.cfg.Heartbeat)
		if err != nil {
			return startupError(ClassConfig, err, "heartbeat")
		}
		n.heartbeat = heartbeat.New(n.drivers.Strip, n.cfg.Heartbeat.FlushInterval, n.logger.Named("heartbeat"), n.clock)
		if err := n.heartbeat.Start(pulse); err != nil {
			return startupError(ClassLED, err, "start heartbeat")
		}
	}

	// Step 4: network join
	ip, err := n.joiner.Join(ctx, n.cfg.WiFi)
	if err != nil {
		return startupError(ClassNetworkJoin, err, "join network")
	}
	n.logger.Infow("network ready", "ip", ip)

	// Step 5: discover bindings
	if len(n.drivers.Buses) == 0 {
		return startupError(ClassSensorBus, driver.ErrBusUnavailable, "no sensor buses")
	}
	n.sampler = sampler.New(n.drivers.Buses, n.store, n.cfg.Sensors.Period, n.logger.Named("sampler"),
		sampler.WithClock(n.clock), sampler.WithJournal(n.journal))
	bindings, err := n.sampler.Discover(ctx)
	if err != nil {
		return startupError(ClassSensorBus, err, "discover sensors")
	}
	n.logger.Infow("sensors discovered", "bindings", len(bindings))

	// Step 6: sockets
	n.stream = stream.NewServer(n.cfg.Stream, n.store, n.cfg.Sensors.Period, n.logger.Named("stream"),
		stream.WithClock(n.clock), stream.WithJournal(n.journal))
	if err := n.stream.Listen(); err != nil {
		return startupError(ClassBind, err, "stream server")
	}
	if n.cfg.Status.Enabled {
		n.status = status.NewServer(n.cfg.Status, n.store, n.logger.Named("status"), status.WithJournal(n.journal))
		if err := n.status.Listen(); err != nil {
			return startupError(ClassBind, err, "status server")
		}
	}
	return nil
}

func (n *Node) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return errors.Wrap(n.sampler.Run(gctx), "sampler")
	})
	g.Go(func() error {
		return errors.Wrap(n.stream.Serve(gctx), "stream server")
	})
	if n.status != nil {
		g.Go(func() error {
			return errors.Wrap(n.status.Serve(gctx), "status server")
		})
	}
	return g.Wait()
}

// Shutdown stops every component and releases the drivers. It is safe to
// call more than once and after a failed startup.
func (n *Node) Shutdown() error {
	n.shutdownOnce.Do(func() {
		var err error
		if n.heartbeat != nil {
			err = multierr.Append(err, errors.Wrap(n.heartbeat.Clear(), "clear led"))
		}
		if n.stream != nil {
			err = multierr.Append(err, errors.Wrap(n.stream.Close(), "close stream server"))
		}
		if n.status != nil {
			err = multierr.Append(err, errors.Wrap(n.status.Close(), "close status server"))
		}
		err = multierr.Append(err, n.drivers.Close())
		err = multierr.Append(err, errors.Wrap(n.closeJournal(), "close journal"))
		if err != nil {
			n.logger.Warnw("shutdown finished with errors", "error", err)
		} else {
			n.logger.Info("node stopped")
		}
		n.shutdownErr = err
	})
	return n.shutdownErr
}

func pulseFromConfig(c config.HeartbeatConfig) (heartbeat.Pulse, error) {
	rgb, err := config.ParseColor(c.Color)
	if err != nil {
		return heartbeat.Pulse{}, err
	}
	if c.MinIntensity < 0 || c.MaxIntensity > 255 || c.MinIntensity > c.MaxIntensity {
		return heartbeat.Pulse{}, errors.Errorf("invalid intensity range %d-%d", c.MinIntensity, c.MaxIntensity)
	}
	return heartbeat.Pulse{
		Color:     driver.RGB{R: rgb[0], G: rgb[1], B: rgb[2]},
		Start:     uint8(c.MinIntensity),
		Stop:      uint8(c.MaxIntensity),
		Frequency: c.Frequency,
	}, nil
}
