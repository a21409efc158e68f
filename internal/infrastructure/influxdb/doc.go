// Package influxdb provides an InfluxDB v2 client for archiving shadow
// state timelines as time-series data.
//
// The client uses the non-blocking write API with configurable batching,
// so callers never wait on a remote write. Failed writes surface through
// an error callback rather than a return value.
//
// Two domain-specific helpers cover the common cases:
//   - WriteReportedMetric: one point per numeric reported-state value
//   - WriteSyncMetric: version and convergence counters per sync cycle
//
// The package is optional at runtime; when disabled in configuration,
// Connect returns ErrDisabled and callers skip the integration.
package influxdb
