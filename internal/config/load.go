package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// DefaultFile is read when Load is called without an explicit path and the
// file exists in the working directory.
const DefaultFile = "config.json"

// Load merges Baseline() + optional file + env overrides (LOGITEMP_*).
// An explicit path must exist; the implicit DefaultFile may be absent.
func Load(path string) (*Config, error) {
	cfg := Baseline()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, errors.Wrapf(err, "failed to load %s", path)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to apply environment overrides")
	}
	return cfg, nil
}

// loadFromFile decodes a YAML (or JSON) document over cfg. Keys that are not
// present keep their current values.
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errors.New("config file is empty")
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// applyEnvOverrides applies LOGITEMP_* environment variables to the config.
// Malformed numeric values are reported rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	cfg.WiFi.SSID = GetEnvVar("LOGITEMP_WIFI_SSID", cfg.WiFi.SSID)
	cfg.WiFi.Password = GetEnvVar("LOGITEMP_WIFI_PASSWORD", cfg.WiFi.Password)
	cfg.WiFi.Interface = GetEnvVar("LOGITEMP_WIFI_INTERFACE", cfg.WiFi.Interface)

	cfg.Sensors.Driver = GetEnvVar("LOGITEMP_SENSOR_DRIVER", cfg.Sensors.Driver)
	if val := os.Getenv("LOGITEMP_PORTS"); val != "" {
		ports, err := ParsePorts(val)
		if err != nil {
			return errors.Wrap(err, "LOGITEMP_PORTS")
		}
		cfg.Sensors.Ports = ports
	}

	var err error
	if cfg.Sensors.Period, err = envDuration("LOGITEMP_SAMPLE_PERIOD", cfg.Sensors.Period); err != nil {
		return err
	}
	if cfg.Sensors.ConversionDelay, err = envDuration("LOGITEMP_CONVERSION_DELAY", cfg.Sensors.ConversionDelay); err != nil {
		return err
	}

	cfg.Stream.Host = GetEnvVar("LOGITEMP_STREAM_HOST", cfg.Stream.Host)
	if cfg.Stream.Port, err = envInt("LOGITEMP_STREAM_PORT", cfg.Stream.Port); err != nil {
		return err
	}
	if cfg.Stream.Workers, err = envInt("LOGITEMP_STREAM_WORKERS", cfg.Stream.Workers); err != nil {
		return err
	}

	if cfg.Status.Port, err = envInt("LOGITEMP_STATUS_PORT", cfg.Status.Port); err != nil {
		return err
	}

	cfg.Heartbeat.Driver = GetEnvVar("LOGITEMP_LED_DRIVER", cfg.Heartbeat.Driver)
	cfg.Heartbeat.SPIPort = GetEnvVar("LOGITEMP_LED_SPI_PORT", cfg.Heartbeat.SPIPort)
	if val := os.Getenv("LOGITEMP_HEARTBEAT_FREQUENCY"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return errors.Wrap(err, "LOGITEMP_HEARTBEAT_FREQUENCY")
		}
		cfg.Heartbeat.Frequency = f
	}

	cfg.Logging.Level = GetEnvVar("LOGITEMP_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.File = GetEnvVar("LOGITEMP_LOG_FILE", cfg.Logging.File)
	cfg.Journal.Dir = GetEnvVar("LOGITEMP_JOURNAL_DIR", cfg.Journal.Dir)
	return nil
}

// ParsePorts parses a comma separated list of bus port numbers.
func ParsePorts(s string) ([]int, error) {
	fields := strings.Split(s, ",")
	ports := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.Wrapf(err, "bad port %q", f)
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// GetEnvVar returns the value of an environment variable with a default.
func GetEnvVar(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envDuration(key string, current time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return current, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return current, errors.Wrap(err, key)
	}
	return d, nil
}

func envInt(key string, current int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return current, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return current, errors.Wrap(err, key)
	}
	return i, nil
}
