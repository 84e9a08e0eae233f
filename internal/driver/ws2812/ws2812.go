// Package ws2812 drives WS2812B addressable LEDs through an SPI MOSI line.
//
// The LED protocol is a single wire NRZ signal with ~417ns time slots. At a
// 2.4MHz SPI clock every LED data bit becomes three SPI bits: 110 for a one
// and 100 for a zero. Colors go out in GRB order, most significant bit
// first, followed by a low latch period.
package ws2812

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/logitemp/logitemp/internal/driver"
)

const (
	// Clock is the SPI frequency the encoding is built for.
	Clock = 2400 * physic.KiloHertz
	// bytesPerLED is 3 colors * 8 bits * 3 SPI bits / 8.
	bytesPerLED = 9
	// latchBytes keeps the line low for more than 80us.
	latchBytes = 30
)

// Conn is the part of an SPI connection the strip needs.
type Conn interface {
	Tx(w, r []byte) error
}

// Strip is a driver.LedStrip backed by an SPI connection.
type Strip struct {
	mu     sync.Mutex
	conn   Conn
	closer io.Closer
	staged []driver.RGB
	buf    []byte
}

var _ driver.LedStrip = (*Strip)(nil)

// Open initializes the host drivers and connects to the named SPI port
// ("" selects the first one registered).
func Open(port string, n int) (*Strip, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "host init")
	}
	p, err := spireg.Open(port)
	if err != nil {
		return nil, errors.Wrapf(err, "open spi port %q", port)
	}
	c, err := p.Connect(Clock, spi.Mode0, 8)
	if err != nil {
		_ = p.Close()
		return nil, errors.Wrapf(err, "connect spi port %q", port)
	}
	s := New(c, n)
	s.closer = p
	return s, nil
}

// New returns a strip of n LEDs writing to conn.
func New(conn Conn, n int) *Strip {
	return &Strip{
		conn:   conn,
		staged: make([]driver.RGB, n),
		buf:    make([]byte, n*bytesPerLED+latchBytes),
	}
}

// Len implements driver.LedStrip.
func (s *Strip) Len() int {
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
	return nil
}

// Flush encodes the staged frame and clocks it out.
func (s *Strip) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	Encode(s.buf, s.staged)
	return errors.Wrap(s.conn.Tx(s.buf, nil), "spi tx")
}

// Close releases the SPI port when it was opened by Open.
func (s *Strip) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Encode writes the NRZ encoding of leds into dst, which must hold
// len(leds)*9 bytes plus any latch padding. Padding bytes are zeroed.
func Encode(dst []byte, leds []driver.RGB) {
	i := 0
	for _, c := range leds {
		for _, v := range [3]uint8{c.G, c.R, c.B} {
			bits := expand(v)
			dst[i] = byte(bits >> 16)
			dst[i+1] = byte(bits >> 8)
			dst[i+2] = byte(bits)
			i += 3
		}
	}
	for ; i < len(dst); i++ {
		dst[i] = 0
	}
}

// expand maps one color byte to its 24 bit SPI pattern.
func expand(v uint8) uint32 {
	var out uint32
	for bit := 7; bit >= 0; bit-- {
		out <<= 3
		if v&(1<<uint(bit)) != 0 {
			out |= 0b110
		} else {
			out |= 0b100
		}
	}
	return out
}
