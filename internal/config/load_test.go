package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func validConfig() *Config {
	cfg := Baseline()
	cfg.WiFi.SSID = "node-net"
	cfg.WiFi.Password = "secret"
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)
	return path
}

func TestBaseline(t *testing.T) {
	cfg := Baseline()

	test.That(t, cfg.Sensors.Ports, test.ShouldResemble, []int{1, 2, 3, 10, 11})
	test.That(t, cfg.Sensors.Period, test.ShouldEqual, time.Second)
	test.That(t, cfg.Sensors.ConversionDelay, test.ShouldEqual, 750*time.Millisecond)
	test.That(t, cfg.Stream.Host, test.ShouldEqual, "0.0.0.0")
	test.That(t, cfg.Stream.Port, test.ShouldEqual, 18999)
	test.That(t, cfg.Stream.Workers, test.ShouldEqual, 5)
	test.That(t, cfg.Status.Port, test.ShouldEqual, 80)
	test.That(t, cfg.Heartbeat.MinIntensity, test.ShouldEqual, 5)
	test.That(t, cfg.Heartbeat.MaxIntensity, test.ShouldEqual, 25)
	test.That(t, cfg.Heartbeat.Frequency, test.ShouldEqual, 0.5)

	// Credentials have no default, so the bare baseline is not runnable.
	test.That(t, Validate(cfg), test.ShouldNotBeNil)
	test.That(t, Validate(validConfig()), test.ShouldBeNil)
}

func TestLoadJSONFile(t *testing.T) {
	path := writeFile(t, "config.json", `{"wifi_ssid": "xxx", "wifi_password": "yyy"}`)

	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.WiFi.SSID, test.ShouldEqual, "xxx")
	test.That(t, cfg.WiFi.Password, test.ShouldEqual, "yyy")
	// Untouched sections keep their defaults.
	test.That(t, cfg.Stream.Port, test.ShouldEqual, 18999)
	test.That(t, Validate(cfg), test.ShouldBeNil)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeFile(t, "node.yaml", `
wifi_ssid: lab
wifi_password: hunter2
sensors:
  driver: fake
  ports: [4, 5]
  period: 2s
stream:
  port: 19000
  workers: 2
heartbeat:
  color: "#ff0000"
  frequency: 1.5
`)

	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Sensors.Driver, test.ShouldEqual, DriverFake)
	test.That(t, cfg.Sensors.Ports, test.ShouldResemble, []int{4, 5})
	test.That(t, cfg.Sensors.Period, test.ShouldEqual, 2*time.Second)
	test.That(t, cfg.Stream.Port, test.ShouldEqual, 19000)
	test.That(t, cfg.Stream.Workers, test.ShouldEqual, 2)
	test.That(t, cfg.Heartbeat.Frequency, test.ShouldEqual, 1.5)
	test.That(t, cfg.Sensors.ConversionDelay, test.ShouldEqual, 750*time.Millisecond)
}

func TestLoadFaults(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("empty file", func(t *testing.T) {
		_, err := Load(writeFile(t, "empty.json", "  \n"))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "empty")
	})

	t.Run("malformed file", func(t *testing.T) {
		_, err := Load(writeFile(t, "bad.json", `{"wifi_ssid": `))
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(writeFile(t, "typo.yaml", "wifi_sid: x\n"))
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOGITEMP_WIFI_SSID", "env-net")
	t.Setenv("LOGITEMP_WIFI_PASSWORD", "env-pass")
	t.Setenv("LOGITEMP_PORTS", "7, 8")
	t.Setenv("LOGITEMP_SAMPLE_PERIOD", "3s")
	t.Setenv("LOGITEMP_STREAM_PORT", "20000")
	t.Setenv("LOGITEMP_HEARTBEAT_FREQUENCY", "2")

	path := writeFile(t, "config.json", `{"wifi_ssid": "file-net", "wifi_password": "p"}`)
	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.WiFi.SSID, test.ShouldEqual, "env-net")
	test.That(t, cfg.WiFi.Password, test.ShouldEqual, "env-pass")
	test.That(t, cfg.Sensors.Ports, test.ShouldResemble, []int{7, 8})
	test.That(t, cfg.Sensors.Period, test.ShouldEqual, 3*time.Second)
	test.That(t, cfg.Stream.Port, test.ShouldEqual, 20000)
	test.That(t, cfg.Heartbeat.Frequency, test.ShouldEqual, 2.0)
}

func TestEnvOverrideMalformed(t *testing.T) {
	t.Setenv("LOGITEMP_STREAM_PORT", "not-a-port")
	_, err := Load(writeFile(t, "config.json", `{"wifi_ssid": "a", "wifi_password": "b"}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "LOGITEMP_STREAM_PORT")
}

func TestParsePorts(t *testing.T) {
	ports, err := ParsePorts("1,2, 3,,10")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ports, test.ShouldResemble, []int{1, 2, 3, 10})

	_, err = ParsePorts("1,x")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParseColor(t *testing.T) {
	rgb, err := ParseColor("#00ff7f")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rgb, test.ShouldResemble, [3]uint8{0, 255, 127})

	rgb, err = ParseColor("FF0000")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rgb, test.ShouldResemble, [3]uint8{255, 0, 0})

	_, err = ParseColor("#fff")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ParseColor("#gg0000")
	test.That(t, err, test.ShouldNotBeNil)
}
