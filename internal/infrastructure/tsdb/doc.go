// Package tsdb writes shadow telemetry to VictoriaMetrics.
//
// The engine feeds two streams into it: numeric reported-state values
// (one series per device/key) and synchronization health (document
// version, pending and delta key counts). Writes use InfluxDB line
// protocol POSTed to /write, batched by size and a flush timer so the
// shadow write path never waits on the network.
//
// The client is optional: when tsdb is disabled in config, Connect
// returns ErrDisabled and the engine simply skips telemetry.
package tsdb
