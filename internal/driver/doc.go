// Package driver defines the southbound hardware contracts of the node.
//
// A SensorBus enumerates and reads digital temperature sensors on one
// physical bus; a LedStrip writes RGB frames to an addressable strip.
// Implementations live in sub packages: onewire (DS18x20 over periph 1-Wire),
// ws2812 (NRZ over SPI) and fake (in memory, for tests and bench runs).
//
// Implementation errors are normalized to the sentinels in this package so
// callers can classify faults without knowing the concrete driver.
package driver
