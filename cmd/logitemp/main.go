// Package main is the logitemp node entry point.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/logitemp/logitemp/internal/config"
	"github.com/logitemp/logitemp/internal/logging"
	"github.com/logitemp/logitemp/internal/node"
)

// Version is stamped at build time.
var Version = "dev"

func main() {
	if err := newApp(runNode).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(run func(c *cli.Context, cfg *config.Config) error) *cli.App {
	return &cli.App{
		Name:    "logitemp",
		Usage:   "sample temperature probes and serve the readings",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML or JSON config file", EnvVars: []string{"LOGITEMP_CONFIG"}},
			&cli.DurationFlag{Name: "sample-period", Usage: "time between sampling cycles", EnvVars: []string{"LOGITEMP_SAMPLE_PERIOD"}},
			&cli.StringFlag{Name: "ports", Usage: "comma separated sensor bus ports", EnvVars: []string{"LOGITEMP_PORTS"}},
			&cli.StringFlag{Name: "stream-host", Usage: "stream server bind host", EnvVars: []string{"LOGITEMP_STREAM_HOST"}},
			&cli.IntFlag{Name: "stream-port", Usage: "stream server port", EnvVars: []string{"LOGITEMP_STREAM_PORT"}},
			&cli.IntFlag{Name: "stream-workers", Usage: "stream accept workers", EnvVars: []string{"LOGITEMP_STREAM_WORKERS"}},
			&cli.IntFlag{Name: "status-port", Usage: "status page port", EnvVars: []string{"LOGITEMP_STATUS_PORT"}},
			&cli.Float64Flag{Name: "heartbeat-frequency", Usage: "LED pulse frequency in Hz", EnvVars: []string{"LOGITEMP_HEARTBEAT_FREQUENCY"}},
			&cli.IntFlag{Name: "heartbeat-min", Usage: "lowest LED intensity (0-255)", EnvVars: []string{"LOGITEMP_HEARTBEAT_MIN"}},
			&cli.IntFlag{Name: "heartbeat-max", Usage: "highest LED intensity (0-255)", EnvVars: []string{"LOGITEMP_HEARTBEAT_MAX"}},
			&cli.StringFlag{Name: "sensor-driver", Usage: "onewire or fake", EnvVars: []string{"LOGITEMP_SENSOR_DRIVER"}},
			&cli.StringFlag{Name: "led-driver", Usage: "ws2812, fake or none", EnvVars: []string{"LOGITEMP_LED_DRIVER"}},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", EnvVars: []string{"LOGITEMP_LOG_LEVEL"}},
			&cli.StringFlag{Name: "log-file", Usage: "also write the log to this rotated file", EnvVars: []string{"LOGITEMP_LOG_FILE"}},
		},
		Action: func(c *cli.Context) error {
			cfg, err := buildConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), node.ClassConfig.ExitCode())
			}
			return run(c, cfg)
		},
	}
}

// buildConfig layers the flags that were given over the loaded config and
// validates the result.
func buildConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("sample-period") {
		cfg.Sensors.Period = c.Duration("sample-period")
	}
	if c.IsSet("ports") {
		ports, err := config.ParsePorts(c.String("ports"))
		if err != nil {
			return nil, errors.Wrap(err, "--ports")
		}
		cfg.Sensors.Ports = ports
	}
	if c.IsSet("stream-host") {
		cfg.Stream.Host = c.String("stream-host")
	}
	if c.IsSet("stream-port") {
		cfg.Stream.Port = c.Int("stream-port")
	}
	if c.IsSet("stream-workers") {
		cfg.Stream.Workers = c.Int("stream-workers")
	}
	if c.IsSet("status-port") {
		cfg.Status.Port = c.Int("status-port")
	}
	if c.IsSet("heartbeat-frequency") {
		cfg.Heartbeat.Frequency = c.Float64("heartbeat-frequency")
	}
	if c.IsSet("heartbeat-min") {
		cfg.Heartbeat.MinIntensity = c.Int("heartbeat-min")
	}
	if c.IsSet("heartbeat-max") {
		cfg.Heartbeat.MaxIntensity = c.Int("heartbeat-max")
	}
	if c.IsSet("sensor-driver") {
		cfg.Sensors.Driver = c.String("sensor-driver")
	}
	if c.IsSet("led-driver") {
		cfg.Heartbeat.Driver = c.String("led-driver")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-file") {
		cfg.Logging.File = c.String("log-file")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runNode(c *cli.Context, cfg *config.Config) error {
	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return cli.Exit(err.Error(), node.ClassConfig.ExitCode())
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infow("starting logitemp", "version", Version, "sensor_driver", cfg.Sensors.Driver,
		"ports", cfg.Sensors.Ports, "led_driver", cfg.Heartbeat.Driver)
	if err := node.New(cfg, logger.Named("node")).Run(ctx); err != nil {
		logger.Errorw("node stopped with error", "error", err, "exit_code", node.ExitCode(err))
		return cli.Exit(err.Error(), node.ExitCode(err))
	}
	logger.Info("shutdown complete")
	return nil
}
