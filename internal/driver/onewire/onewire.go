// Package onewire drives DS18x20 temperature sensors over a periph 1-Wire
// bus.
package onewire

import (
	"context"
	"encoding/binary"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/onewire/onewirereg"
	"periph.io/x/host/v3"

	"github.com/logitemp/logitemp/internal/driver"
)

// DS18x20 function commands.
const (
	cmdSkipROM         = 0xCC
	cmdConvertT        = 0x44
	cmdReadScratchpad  = 0xBE
	scratchpadLen      = 9
	familyDS18S20      = 0x10
	familyDS1822       = 0x22
	familyDS18B20      = 0x28
	familyMAX31850     = 0x3B
	defaultConvertWait = 750 * time.Millisecond
)

// Bus is a driver.SensorBus on top of a periph onewire.Bus.
type Bus struct {
	port   int
	bus    onewire.Bus
	closer io.Closer
	delay  time.Duration
}

var _ driver.SensorBus = (*Bus)(nil)

// Open initializes the host drivers and opens the 1-Wire bus registered
// under the port number.
func Open(port int, delay time.Duration) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, driver.NewBusError(port, driver.ErrBusUnavailable, errors.Wrap(err, "host init"))
	}
	bc, err := onewirereg.Open(strconv.Itoa(port))
	if err != nil {
		return nil, driver.NewBusError(port, driver.ErrBusUnavailable, err)
	}
	b := New(port, bc, delay)
	b.closer = bc
	return b, nil
}

// New wraps an already opened bus. Close on the result does not close bus.
func New(port int, bus onewire.Bus, delay time.Duration) *Bus {
	if delay <= 0 {
		delay = defaultConvertWait
	}
	return &Bus{port: port, bus: bus, delay: delay}
}

// Port implements driver.SensorBus.
func (b *Bus) Port() int { return b.port }

// ConversionDelay implements driver.SensorBus.
func (b *Bus) ConversionDelay() time.Duration { return b.delay }

// Scan searches the bus and keeps temperature sensor families only.
func (b *Bus) Scan(ctx context.Context) ([]driver.DeviceID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addrs, err := b.bus.Search(false)
	if err != nil {
		return nil, driver.NewBusError(b.port, driver.ErrBusUnavailable, err)
	}
	ids := make([]driver.DeviceID, 0, len(addrs))
	for _, addr := range addrs {
		id := toDeviceID(addr)
		switch id.Family() {
		case familyDS18S20, familyDS1822, familyDS18B20, familyMAX31850:
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Convert starts a conversion on every device of the bus at once, holding
// the strong pullup for parasite powered sensors.
func (b *Bus) Convert(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.bus.Tx([]byte{cmdSkipROM, cmdConvertT}, nil, onewire.StrongPullup); err != nil {
		return driver.NewBusError(b.port, driver.ErrBusUnavailable, err)
	}
	return nil
}

// Read fetches and decodes the scratchpad of one device.
func (b *Bus) Read(ctx context.Context, id driver.DeviceID) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dev := onewire.Dev{Bus: b.bus, Addr: toAddress(id)}
	var spad [scratchpadLen]byte
	if err := dev.Tx([]byte{cmdReadScratchpad}, spad[:]); err != nil {
		return 0, driver.NewBusError(b.port, driver.ErrBusUnavailable, err)
	}
	if absent(spad[:]) {
		return 0, driver.NewBusError(b.port, driver.ErrDeviceMissing, errors.Errorf("%s did not answer", id))
	}
	if !onewire.CheckCRC(spad[:]) {
		return 0, driver.NewBusError(b.port, driver.ErrCRC, errors.Errorf("%s scratchpad % x", id, spad))
	}
	return decode(id.Family(), spad), nil
}

// Close releases the bus when it was opened by Open.
func (b *Bus) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// decode converts a CRC checked scratchpad to Celsius.
func decode(family byte, spad [scratchpadLen]byte) float64 {
	raw := int16(binary.LittleEndian.Uint16(spad[0:2]))
	if family != familyDS18S20 {
		return float64(raw) / 16
	}
	// 0.5 degree register extended with COUNT_REMAIN and COUNT_PER_C.
	perC, remain := spad[7], spad[6]
	if perC == 0 {
		return float64(raw) / 2
	}
	return float64(raw>>1) - 0.25 + float64(int(perC)-int(remain))/float64(perC)
}

// absent reports a bus that idled high for the whole read.
func absent(buf []byte) bool {
	for _, c := range buf {
		if c != 0xFF {
			return false
		}
	}
	return true
}

func toDeviceID(addr onewire.Address) driver.DeviceID {
	var id driver.DeviceID
	binary.LittleEndian.PutUint64(id[:], uint64(addr))
	return id
}

func toAddress(id driver.DeviceID) onewire.Address {
	return onewire.Address(binary.LittleEndian.Uint64(id[:]))
}
