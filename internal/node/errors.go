package node

import (
	"fmt"

	"github.com/pkg/errors"
)

// Class groups startup faults by the exit code they produce.
type Class int

// Startup fault classes.
const (
	ClassOther Class = iota
	ClassConfig
	ClassSensorBus
	ClassBind
	ClassNetworkJoin
	ClassLED
)

var classNames = map[Class]string{
	ClassOther:       "OTHER",
	ClassConfig:      "CONFIG",
	ClassSensorBus:   "SENSOR_BUS",
	ClassBind:        "BIND",
	ClassNetworkJoin: "NETWORK_JOIN",
	ClassLED:         "LED_INIT",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// ExitCode is the process exit status for the class.
func (c Class) ExitCode() int {
	switch c {
	case ClassConfig:
		return 2
	case ClassSensorBus:
		return 3
	case ClassBind:
		return 4
	case ClassNetworkJoin:
		return 5
	case ClassLED:
		return 6
	default:
		return 1
	}
}

// StartupError is a fault that prevents the node from starting.
type StartupError struct {
	Class Class
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed (%s): %v", e.Class, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

func startupError(class Class, err error, msg string) error {
	return &StartupError{Class: class, Err: errors.Wrap(err, msg)}
}

// ConfigError marks err as a configuration fault.
func ConfigError(err error) error {
	return &StartupError{Class: ClassConfig, Err: err}
}

// ExitCode maps err to the process exit status: 0 for nil, the class code
// for a StartupError and 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *StartupError
	if errors.As(err, &se) {
		return se.Class.ExitCode()
	}
	return 1
}
