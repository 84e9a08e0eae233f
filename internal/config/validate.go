package config

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Validate enforces the node configuration rules. Any error is a
// configuration fault and aborts startup.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := validateWiFi(&cfg.WiFi); err != nil {
		return errors.Wrap(err, "wifi validation failed")
	}
	if err := validateSensors(&cfg.Sensors); err != nil {
		return errors.Wrap(err, "sensors validation failed")
	}
	if err := validateStream(&cfg.Stream); err != nil {
		return errors.Wrap(err, "stream validation failed")
	}
	if err := validateStatus(&cfg.Status); err != nil {
		return errors.Wrap(err, "status validation failed")
	}
	if err := validateHeartbeat(&cfg.Heartbeat); err != nil {
		return errors.Wrap(err, "heartbeat validation failed")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("invalid log level %q", cfg.Logging.Level)
	}
	return nil
}

func validateWiFi(c *WiFiConfig) error {
	if c.SSID == "" {
		return errors.New("wifi_ssid must be set")
	}
	if c.Password == "" {
		return errors.New("wifi_password must be set")
	}
	if c.JoinTimeout < 0 {
		return errors.Errorf("wifi_join_timeout must be non-negative, got %v", c.JoinTimeout)
	}
	return nil
}

func validateSensors(c *SensorsConfig) error {
	switch c.Driver {
	case DriverOneWire, DriverFake:
	default:
		return errors.Errorf("unknown sensor driver %q", c.Driver)
	}
	if len(c.Ports) == 0 {
		return errors.New("at least one bus port must be configured")
	}
	seen := make(map[int]bool, len(c.Ports))
	for _, p := range c.Ports {
		if p < 0 {
			return errors.Errorf("bus port %d must be non-negative", p)
		}
		if seen[p] {
			return errors.Errorf("bus port %d configured twice", p)
		}
		seen[p] = true
	}
	if c.Period <= 0 {
		return errors.Errorf("sample period must be positive, got %v", c.Period)
	}
	if c.ConversionDelay < 0 {
		return errors.Errorf("conversion delay must be non-negative, got %v", c.ConversionDelay)
	}
	return nil
}

func validateStream(c *StreamConfig) error {
	if err := validatePort(c.Port); err != nil {
		return err
	}
	if c.Workers < 1 {
		return errors.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.WriteTimeout <= 0 {
		return errors.Errorf("write timeout must be positive, got %v", c.WriteTimeout)
	}
	return nil
}

func validateStatus(c *StatusConfig) error {
	if !c.Enabled {
		return nil
	}
	if err := validatePort(c.Port); err != nil {
		return err
	}
	if c.Backlog < 1 {
		return errors.Errorf("backlog must be at least 1, got %d", c.Backlog)
	}
	if c.MaxConns < 1 {
		return errors.Errorf("maxConns must be at least 1, got %d", c.MaxConns)
	}
	if c.IdleTimeout < 0 {
		return errors.Errorf("idle timeout must be non-negative, got %v", c.IdleTimeout)
	}
	return nil
}

func validateHeartbeat(c *HeartbeatConfig) error {
	switch c.Driver {
	case DriverWS2812, DriverFake, DriverNone:
	default:
		return errors.Errorf("unknown LED driver %q", c.Driver)
	}
	if c.Driver == DriverNone {
		return nil
	}
	if c.LEDCount < 1 {
		return errors.Errorf("ledCount must be at least 1, got %d", c.LEDCount)
	}
	if _, err := ParseColor(c.Color); err != nil {
		return err
	}
	if c.MinIntensity < 0 || c.MaxIntensity > 255 || c.MinIntensity > c.MaxIntensity {
		return errors.Errorf("invalid intensity range: min=%d, max=%d (must be 0-255)", c.MinIntensity, c.MaxIntensity)
	}
	if c.Frequency <= 0 || math.IsInf(c.Frequency, 0) || math.IsNaN(c.Frequency) {
		return errors.Errorf("frequency must be positive and finite, got %v", c.Frequency)
	}
	// One degree of the waveform must last between 1ns and MaxInt64 ns.
	if step := float64(time.Second) / (c.Frequency * 360); step < 1 || step >= math.MaxInt64 {
		return errors.Errorf("frequency %v Hz is outside the usable pulse range", c.Frequency)
	}
	if c.FlushInterval <= 0 {
		return errors.Errorf("flush interval must be positive, got %v", c.FlushInterval)
	}
	return nil
}

func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return errors.Errorf("port %d is outside range [0, 65535]", port)
	}
	return nil
}

// WorstCaseCycle returns the time one cycle needs on the busiest bus when
// every device takes the full conversion delay. The sampler warns when the
// period is shorter.
func WorstCaseCycle(devicesPerBus []int, conversion time.Duration) time.Duration {
	worst := 0
	for _, n := range devicesPerBus {
		if n > worst {
			worst = n
		}
	}
	return time.Duration(worst) * conversion
}
