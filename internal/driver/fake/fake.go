// Package fake provides in-memory sensor bus and LED strip drivers.
//
// Both types are safe for concurrent use so tests can change temperatures
// or inject faults while a sampler or heartbeat is running against them.
package fake

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/logitemp/logitemp/internal/driver"
)

// Bus is a programmable driver.SensorBus.
type Bus struct {
	port  int
	delay time.Duration

	mu       sync.Mutex
	order    []driver.DeviceID
	temps    map[driver.DeviceID]float64
	readErrs map[driver.DeviceID]error
	busErr   error
	drift    bool
	converts int
	reads    int
	closed   bool
}

// NewBus returns an empty bus on the given port with the given conversion
// delay.
func NewBus(port int, delay time.Duration) *Bus {
	return &Bus{
		port:     port,
		delay:    delay,
		temps:    map[driver.DeviceID]float64{},
		readErrs: map[driver.DeviceID]error{},
	}
}

// NewDemoBus returns a bus carrying two devices whose temperatures wander
// slowly with every conversion. Used when the node runs without hardware.
func NewDemoBus(port int, delay time.Duration) *Bus {
	b := NewBus(port, delay)
	b.drift = true
	for i := 0; i < 2; i++ {
		b.AddDevice(DemoID(port, i), 20+float64(port)/4+float64(i))
	}
	return b
}

// DemoID synthesizes a DS18B20 ROM code for device n on a port.
func DemoID(port, n int) driver.DeviceID {
	var id driver.DeviceID
	id[0] = 0x28
	binary.BigEndian.PutUint16(id[1:3], uint16(port))
	binary.BigEndian.PutUint16(id[3:5], uint16(n))
	id[7] = byte(port*31 + n)
	return id
}

// AddDevice attaches a device reporting celsius. Scan order is attach order.
func (b *Bus) AddDevice(id driver.DeviceID, celsius float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.temps[id]; !ok {
		b.order = append(b.order, id)
	}
	b.temps[id] = celsius
}

// SetTemp changes the temperature a device reports.
func (b *Bus) SetTemp(id driver.DeviceID, celsius float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.temps[id] = celsius
}

// FailRead makes every Read of id return err until err is nil again.
func (b *Bus) FailRead(id driver.DeviceID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.readErrs, id)
		return
	}
	b.readErrs[id] = err
}

// FailBus makes Scan and Convert fail with err until err is nil again.
func (b *Bus) FailBus(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.busErr = err
}

// Converts is the number of successful conversions so far.
func (b *Bus) Converts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.converts
}

// Reads is the number of successful reads so far.
func (b *Bus) Reads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads
}

// Closed reports whether Close was called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Port implements driver.SensorBus.
func (b *Bus) Port() int { return b.port }

// ConversionDelay implements driver.SensorBus.
func (b *Bus) ConversionDelay() time.Duration { return b.delay }

// Scan implements driver.SensorBus.
func (b *Bus) Scan(ctx context.Context) ([]driver.DeviceID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busErr != nil {
		return nil, driver.NewBusError(b.port, driver.ErrBusUnavailable, b.busErr)
	}
	out := make([]driver.DeviceID, len(b.order))
	copy(out, b.order)
	return out, nil
}

// Convert implements driver.SensorBus.
func (b *Bus) Convert(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return driver.NewBusError(b.port, driver.ErrBusUnavailable, errors.New("closed"))
	}
	if b.busErr != nil {
		return driver.NewBusError(b.port, driver.ErrBusUnavailable, b.busErr)
	}
	b.converts++
	return nil
}

// Read implements driver.SensorBus.
func (b *Bus) Read(ctx context.Context, id driver.DeviceID) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.readErrs[id]; ok {
		return 0, driver.NewBusError(b.port, driver.ErrCRC, err)
	}
	celsius, ok := b.temps[id]
	if !ok {
		return 0, driver.NewBusError(b.port, driver.ErrDeviceMissing, errors.Errorf("no device %s", id))
	}
	b.reads++
	if b.drift {
		celsius += math.Sin(float64(b.reads)/40) / 2
	}
	return celsius, nil
}

// Close implements driver.SensorBus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
