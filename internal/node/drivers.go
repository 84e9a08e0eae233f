package node

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/logitemp/logitemp/internal/config"
	"github.com/logitemp/logitemp/internal/driver"
	"github.com/logitemp/logitemp/internal/driver/fake"
	"github.com/logitemp/logitemp/internal/driver/onewire"
	"github.com/logitemp/logitemp/internal/driver/ws2812"
	"github.com/logitemp/logitemp/internal/logging"
)

// Drivers is the hardware the node runs on. A nil Strip runs without a
// heartbeat.
type Drivers struct {
	Buses []driver.SensorBus
	Strip driver.LedStrip
}

// Close releases every driver.
func (d Drivers) Close() error {
	var err error
	for _, b := range d.Buses {
		err = multierr.Append(err, errors.Wrapf(b.Close(), "close bus %d", b.Port()))
	}
	if d.Strip != nil {
		err = multierr.Append(err, errors.Wrap(d.Strip.Close(), "close led strip"))
	}
	return err
}

// OpenDrivers opens the configured buses and LED strip. A bus port that
// cannot be opened is logged and skipped; having none at all is a sensor
// bus fault.
func OpenDrivers(cfg *config.Config, logger logging.Logger) (Drivers, error) {
	var d Drivers
	for _, port := range cfg.Sensors.Ports {
		switch cfg.Sensors.Driver {
		case config.DriverFake:
			d.Buses = append(d.Buses, fake.NewDemoBus(port, cfg.Sensors.ConversionDelay))
		case config.DriverOneWire:
			bus, err := onewire.Open(port, cfg.Sensors.ConversionDelay)
			if err != nil {
				logger.Errorw("failed to open bus", "port", port, "error", err)
				continue
			}
			d.Buses = append(d.Buses, bus)
		default:
			return Drivers{}, multierr.Append(
				startupError(ClassConfig, errors.Errorf("unknown sensor driver %q", cfg.Sensors.Driver), "open sensor buses"),
				d.Close())
		}
	}
	if len(d.Buses) == 0 {
		return Drivers{}, startupError(ClassSensorBus, driver.ErrBusUnavailable, "no sensor bus could be opened")
	}

	switch cfg.Heartbeat.Driver {
	case config.DriverNone:
	case config.DriverFake:
		d.Strip = fake.NewStrip(cfg.Heartbeat.LEDCount)
	case config.DriverWS2812:
		strip, err := ws2812.Open(cfg.Heartbeat.SPIPort, cfg.Heartbeat.LEDCount)
		if err != nil {
			return Drivers{}, multierr.Append(startupError(ClassLED, err, "open led strip"), d.Close())
		}
		d.Strip = strip
	default:
		return Drivers{}, multierr.Append(
			startupError(ClassConfig, errors.Errorf("unknown LED driver %q", cfg.Heartbeat.Driver), "open led strip"),
			d.Close())
	}
	return d, nil
}
