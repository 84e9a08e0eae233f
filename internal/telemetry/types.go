package telemetry

import (
	"fmt"
	"math"
	"time"

	"github.com/logitemp/logitemp/internal/driver"
)

// Centi is a temperature in hundredths of a degree Celsius.
type Centi int32

// FromCelsius rounds a driver reading to hundredths, half away from zero.
func FromCelsius(c float64) Centi {
	return Centi(math.Round(c * 100))
}

// Celsius returns the value in degrees.
func (c Centi) Celsius() float64 {
	return float64(c) / 100
}

// String formats the value with exactly two decimals.
func (c Centi) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Binding pairs a bus port with a device discovered on it.
type Binding struct {
	Port   int
	Device driver.DeviceID
}

func (b Binding) String() string {
	return fmt.Sprintf("port %d %s", b.Port, b.Device)
}

// Reading is one successful measurement.
type Reading struct {
	Binding
	Temp   Centi
	ReadAt time.Time
}

// Fault marks a binding whose measurement failed in a cycle.
type Fault struct {
	Binding
	Err string
	At  time.Time
}

// Snapshot is the result of one sampling cycle. Readings and Faults are
// each in binding order. A published snapshot is never modified.
type Snapshot struct {
	Cycle    uint64
	TakenAt  time.Time
	Readings []Reading
	Faults   []Fault
}
