// Package drivertest provides a driver agnostic conformance suite for
// sensor buses. Every driver.SensorBus implementation runs it from its own
// tests so the sampler can rely on the same error normalization everywhere.
package drivertest

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/logitemp/logitemp/internal/driver"
)

// Fixture is one freshly built bus plus what it is expected to report.
type Fixture struct {
	Bus driver.SensorBus
	// Port the bus must report.
	Port int
	// Devices in expected scan order.
	Devices []driver.DeviceID
	// Celsius expected from Read, per device.
	Celsius map[driver.DeviceID]float64
	// Absent is an id that is not on the bus.
	Absent driver.DeviceID
	// Tolerance on Celsius; defaults to one sixteenth of a degree.
	Tolerance float64
}

// RunBusConformance runs the suite. newFixture is called once per subtest.
func RunBusConformance(t *testing.T, newFixture func(t *testing.T) Fixture) {
	t.Helper()

	t.Run("Identity", func(t *testing.T) {
		fx := newFixture(t)
		defer closeBus(t, fx.Bus)
		test.That(t, fx.Bus.Port(), test.ShouldEqual, fx.Port)
		test.That(t, fx.Bus.ConversionDelay() >= 0, test.ShouldBeTrue)
	})

	t.Run("ScanOrder", func(t *testing.T) {
		fx := newFixture(t)
		defer closeBus(t, fx.Bus)
		ids, err := fx.Bus.Scan(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ids, test.ShouldResemble, fx.Devices)
	})

	t.Run("ConvertThenRead", func(t *testing.T) {
		fx := newFixture(t)
		defer closeBus(t, fx.Bus)
		ctx := context.Background()
		tol := fx.Tolerance
		if tol == 0 {
			tol = 1.0 / 16
		}
		for _, id := range fx.Devices {
			test.That(t, fx.Bus.Convert(ctx), test.ShouldBeNil)
			got, err := fx.Bus.Read(ctx, id)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, math.Abs(got-fx.Celsius[id]), test.ShouldBeLessThanOrEqualTo, tol)
		}
	})

	t.Run("AbsentDevice", func(t *testing.T) {
		fx := newFixture(t)
		defer closeBus(t, fx.Bus)
		ctx := context.Background()
		test.That(t, fx.Bus.Convert(ctx), test.ShouldBeNil)
		_, err := fx.Bus.Read(ctx, fx.Absent)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, errors.Is(err, driver.ErrDeviceMissing), test.ShouldBeTrue)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		fx := newFixture(t)
		defer closeBus(t, fx.Bus)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := fx.Bus.Scan(ctx)
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
		test.That(t, errors.Is(fx.Bus.Convert(ctx), context.Canceled), test.ShouldBeTrue)
		if len(fx.Devices) > 0 {
			_, err = fx.Bus.Read(ctx, fx.Devices[0])
			test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
		}
	})
}

func closeBus(t *testing.T, bus driver.SensorBus) {
	t.Helper()
	test.That(t, bus.Close(), test.ShouldBeNil)
}
