package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v2"
	"go.viam.com/test"

	"github.com/logitemp/logitemp/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)
	return path
}

// capture runs the app with args and returns the config handed to the node.
func capture(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	var got *config.Config
	app := newApp(func(_ *cli.Context, cfg *config.Config) error {
		got = cfg
		return nil
	})
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"logitemp"}, args...))
	return got, err
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `{"wifi_ssid": "lab", "wifi_password": "secret", "sensors": {"ports": [4]}}`)

	cfg, err := capture(t,
		"--config", path,
		"--ports", "1,2,3",
		"--sample-period", "2s",
		"--stream-host", "127.0.0.1",
		"--stream-port", "19000",
		"--stream-workers", "3",
		"--status-port", "8080",
		"--heartbeat-frequency", "1.5",
		"--heartbeat-min", "10",
		"--heartbeat-max", "40",
		"--sensor-driver", "fake",
		"--led-driver", "none",
		"--log-level", "debug",
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.WiFi.SSID, test.ShouldEqual, "lab")
	test.That(t, cfg.Sensors.Ports, test.ShouldResemble, []int{1, 2, 3})
	test.That(t, cfg.Sensors.Period, test.ShouldEqual, 2*time.Second)
	test.That(t, cfg.Stream.Host, test.ShouldEqual, "127.0.0.1")
	test.That(t, cfg.Stream.Port, test.ShouldEqual, 19000)
	test.That(t, cfg.Stream.Workers, test.ShouldEqual, 3)
	test.That(t, cfg.Status.Port, test.ShouldEqual, 8080)
	test.That(t, cfg.Heartbeat.Frequency, test.ShouldEqual, 1.5)
	test.That(t, cfg.Heartbeat.MinIntensity, test.ShouldEqual, 10)
	test.That(t, cfg.Heartbeat.MaxIntensity, test.ShouldEqual, 40)
	test.That(t, cfg.Sensors.Driver, test.ShouldEqual, config.DriverFake)
	test.That(t, cfg.Heartbeat.Driver, test.ShouldEqual, config.DriverNone)
	test.That(t, cfg.Logging.Level, test.ShouldEqual, "debug")
}

func TestUnsetFlagsKeepFileValues(t *testing.T) {
	path := writeConfig(t, `{"wifi_ssid": "lab", "wifi_password": "secret", "stream": {"port": 20000}}`)

	cfg, err := capture(t, "--config", path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Stream.Port, test.ShouldEqual, 20000)
	test.That(t, cfg.Stream.Workers, test.ShouldEqual, 5)
	test.That(t, cfg.Sensors.Ports, test.ShouldResemble, []int{1, 2, 3, 10, 11})
}

func TestConfigFaultExitCode(t *testing.T) {
	path := writeConfig(t, `{"wifi_ssid": "lab", "wifi_password": "secret"}`)

	cfg, err := capture(t, "--config", path, "--heartbeat-min", "50", "--heartbeat-max", "10")
	test.That(t, cfg, test.ShouldBeNil)
	test.That(t, err, test.ShouldNotBeNil)
	exit, ok := err.(cli.ExitCoder)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, exit.ExitCode(), test.ShouldEqual, 2)

	_, err = capture(t, "--config", path, "--ports", "1,x")
	exit, ok = err.(cli.ExitCoder)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, exit.ExitCode(), test.ShouldEqual, 2)
	test.That(t, err.Error(), test.ShouldContainSubstring, "--ports")

	cfg, err = capture(t, "--config", path, "--heartbeat-frequency", "1e7")
	test.That(t, cfg, test.ShouldBeNil)
	exit, ok = err.(cli.ExitCoder)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, exit.ExitCode(), test.ShouldEqual, 2)
	test.That(t, err.Error(), test.ShouldContainSubstring, "frequency")
}
