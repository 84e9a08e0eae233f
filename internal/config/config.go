package config

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config is the complete node configuration.
type Config struct {
	WiFi      WiFiConfig      `yaml:",inline"`
	Sensors   SensorsConfig   `yaml:"sensors"`
	Stream    StreamConfig    `yaml:"stream"`
	Status    StatusConfig    `yaml:"status"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Logging   LoggingConfig   `yaml:"logging"`
	Journal   JournalConfig   `yaml:"journal"`
}

// WiFiConfig holds the credentials handed to the network join step.
// The keys match the legacy config.json layout.
type WiFiConfig struct {
	SSID        string        `yaml:"wifi_ssid"`
	Password    string        `yaml:"wifi_password"`
	Interface   string        `yaml:"wifi_interface"`
	JoinTimeout time.Duration `yaml:"wifi_join_timeout"`
}

// SensorsConfig holds sampler settings.
type SensorsConfig struct {
	Driver          string        `yaml:"driver"`
	Ports           []int         `yaml:"ports"`
	Period          time.Duration `yaml:"period"`
	ConversionDelay time.Duration `yaml:"conversionDelay"`
}

// StreamConfig holds the streaming socket server settings.
type StreamConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Workers      int           `yaml:"workers"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// StatusConfig holds the HTTP status responder settings.
type StatusConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Backlog     int           `yaml:"backlog"`
	MaxConns    int           `yaml:"maxConns"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

// HeartbeatConfig holds the status LED pulse settings.
type HeartbeatConfig struct {
	Driver        string        `yaml:"driver"`
	SPIPort       string        `yaml:"spiPort"`
	LEDCount      int           `yaml:"ledCount"`
	Color         string        `yaml:"color"`
	MinIntensity  int           `yaml:"minIntensity"`
	MaxIntensity  int           `yaml:"maxIntensity"`
	Frequency     float64       `yaml:"frequency"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// LoggingConfig holds logger settings. File is optional; when set the log is
// also written there with size based rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// JournalConfig holds session journal settings. An empty Dir disables it.
type JournalConfig struct {
	Dir       string `yaml:"dir"`
	MaxSizeMB int    `yaml:"maxSizeMb"`
}

// Sensor and LED driver names.
const (
	DriverOneWire = "onewire"
	DriverWS2812  = "ws2812"
	DriverFake    = "fake"
	DriverNone    = "none"
)

// Baseline returns the defaults. They match the deployed sensor nodes:
// five DS18x20 ports, a 1s cycle, stream on 0.0.0.0:18999 with five workers,
// status page on port 80 and a green pulse between 5 and 25 at 0.5 Hz.
func Baseline() *Config {
	return &Config{
		WiFi: WiFiConfig{
			JoinTimeout: 30 * time.Second,
		},
		Sensors: SensorsConfig{
			Driver:          DriverOneWire,
			Ports:           []int{1, 2, 3, 10, 11},
			Period:          time.Second,
			ConversionDelay: 750 * time.Millisecond,
		},
		Stream: StreamConfig{
			Host:         "0.0.0.0",
			Port:         18999,
			Workers:      5,
			WriteTimeout: 5 * time.Second,
		},
		Status: StatusConfig{
			Enabled:     true,
			Host:        "0.0.0.0",
			Port:        80,
			Backlog:     5,
			MaxConns:    16,
			IdleTimeout: 30 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Driver:        DriverWS2812,
			SPIPort:       "",
			LEDCount:      1,
			Color:         "#00ff00",
			MinIntensity:  5,
			MaxIntensity:  25,
			Frequency:     0.5,
			FlushInterval: 20 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Journal: JournalConfig{
			MaxSizeMB: 5,
		},
	}
}

// ParseColor parses "#rrggbb" (the leading # is optional) into its channels.
func ParseColor(s string) ([3]uint8, error) {
	var rgb [3]uint8
	raw := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(raw) != 6 {
		return rgb, errors.Errorf("color %q must have the form #rrggbb", s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return rgb, errors.Wrapf(err, "color %q", s)
	}
	copy(rgb[:], b)
	return rgb, nil
}
