package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteReportedMetric writes a single numeric reported-state value.
//
// Each point is tagged by device and state key so Flux queries can
// aggregate per device or per key:
//
//	measurement: shadow_reported
//	tags:        device_id, key
//	fields:      value
func (c *Client) WriteReportedMetric(deviceID, key string, value float64) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	point := write.NewPoint(
		"shadow_reported",
		map[string]string{
			"device_id": deviceID,
			"key":       key,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
	return nil
}

// WriteSyncMetric records the outcome of a shadow synchronization cycle:
// the new document version alongside how many keys remain pending and
// how many keys currently diverge between reported and desired state.
func (c *Client) WriteSyncMetric(deviceID string, version int64, pendingKeys, deltaKeys int) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	point := write.NewPoint(
		"shadow_sync",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"version":      version,
			"pending_keys": pendingKeys,
			"delta_keys":   deltaKeys,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
	return nil
}

// WritePoint writes a custom measurement point with the current timestamp.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) error {
	return c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom measurement point with an explicit
// timestamp. Useful for backfilling history entries.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	point := write.NewPoint(measurement, tags, fields, ts)
	c.writeAPI.WritePoint(point)
	return nil
}
