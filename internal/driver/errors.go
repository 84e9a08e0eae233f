package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// Normalized driver errors.
var (
	// ErrBusUnavailable means the bus itself could not be driven.
	ErrBusUnavailable = errors.New("BUS_UNAVAILABLE")
	// ErrDeviceMissing means the device did not answer.
	ErrDeviceMissing = errors.New("DEVICE_MISSING")
	// ErrCRC means the device answered with a corrupted payload.
	ErrCRC = errors.New("CRC_MISMATCH")
	// ErrIndexRange means an LED index outside the strip.
	ErrIndexRange = errors.New("INDEX_OUT_OF_RANGE")
)

// BusError wraps an error raised on a given bus with its normalized code.
type BusError struct {
	Code     error
	Port     int
	Original error
}

func (e *BusError) Error() string {
	if e.Original == nil {
		return fmt.Sprintf("bus %d: %v", e.Port, e.Code)
	}
	return fmt.Sprintf("bus %d: %v (%v)", e.Port, e.Code, e.Original)
}

// Unwrap exposes the normalized code to errors.Is.
func (e *BusError) Unwrap() error {
	return e.Code
}

// NewBusError builds a BusError. A nil original yields a code-only error.
func NewBusError(port int, code, original error) error {
	return &BusError{Code: code, Port: port, Original: original}
}
