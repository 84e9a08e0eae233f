// Package telemetry holds the sensor data model and the store that shares
// the latest snapshot between the sampler and the network servers.
//
// The store keeps a single value. Publish swaps a pointer under a write
// lock; readers copy the pointer under a read lock and work on the
// snapshot afterwards, so a slow reader never delays the sampler and never
// sees a half built snapshot. Intermediate snapshots may never be observed
// by a given reader.
package telemetry
