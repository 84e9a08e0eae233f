package driver

import (
	"context"
	"encoding/hex"
	"time"
)

// DeviceID is the 8 byte ROM code of one sensor, family code first.
type DeviceID [8]byte

// String renders the ROM code as "0x" followed by lowercase hex.
func (d DeviceID) String() string {
	return "0x" + hex.EncodeToString(d[:])
}

// Family returns the 1-Wire family code.
func (d DeviceID) Family() byte {
	return d[0]
}

// SensorBus is one physical sensor bus. Calls on a single bus must not be
// made concurrently; separate buses are independent.
type SensorBus interface {
	// Port identifies the bus in configuration and in every reading.
	Port() int

	// Scan enumerates the devices present on the bus.
	Scan(ctx context.Context) ([]DeviceID, error)

	// Convert starts a temperature conversion on the bus.
	Convert(ctx context.Context) error

	// ConversionDelay is how long a conversion takes before Read is valid.
	ConversionDelay() time.Duration

	// Read returns the last converted temperature of one device in Celsius.
	Read(ctx context.Context, id DeviceID) (float64, error)

	// Close releases the bus.
	Close() error
}

// RGB is one LED color.
type RGB struct {
	R, G, B uint8
}

// Scale returns c with every channel multiplied by intensity/255 using
// integer arithmetic.
func (c RGB) Scale(intensity uint8) RGB {
	return RGB{
		R: uint8(uint16(c.R) * uint16(intensity) / 255),
		G: uint8(uint16(c.G) * uint16(intensity) / 255),
		B: uint8(uint16(c.B) * uint16(intensity) / 255),
	}
}

// LedStrip is an addressable LED strip. Set only stages a color; nothing
// reaches the hardware until Flush.
type LedStrip interface {
	// Len is the number of LEDs on the strip.
	Len() int

	// Set stages the color of one LED.
	Set(index int, c RGB) error

	// Flush writes the staged frame to the hardware.
	Flush() error

	// Close releases the strip.
	Close() error
}
