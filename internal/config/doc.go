// Package config implements the configuration store for the telemetry node.
//
// Configuration is layered: Baseline() defaults, then an optional YAML file
// (a JSON object is accepted too), then LOGITEMP_* environment overrides.
// Command line flags are applied by the caller on top of the result and the
// final value is checked with Validate.
package config
