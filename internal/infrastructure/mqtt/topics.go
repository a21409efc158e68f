package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the shadow synchronization broker namespace.
//
// Devices publish state reports inbound; the engine publishes the
// authoritative shadow document outbound as a retained message so a
// device reconnecting after sleep immediately sees its desired state.
const (
	// TopicPrefix is the base for all shadowcore topics.
	TopicPrefix = "shadowcore"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "shadowcore/system"
)

// Topics provides builders for shadowcore MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
type Topics struct{}

// DeviceReport returns the inbound topic a device publishes state
// reports to.
//
// Example: shadowcore/report/thermostat-7
func (Topics) DeviceReport(deviceID string) string {
	return fmt.Sprintf("%s/report/%s", TopicPrefix, deviceID)
}

// ShadowState returns the outbound topic carrying the authoritative
// shadow document for a device. Published retained.
//
// Example: shadowcore/shadow/thermostat-7
func (Topics) ShadowState(deviceID string) string {
	return fmt.Sprintf("%s/shadow/%s", TopicPrefix, deviceID)
}

// ShadowDelta returns the outbound topic carrying the reported/desired
// delta for a device, published when the delta is non-empty.
//
// Example: shadowcore/delta/thermostat-7
func (Topics) ShadowDelta(deviceID string) string {
	return fmt.Sprintf("%s/delta/%s", TopicPrefix, deviceID)
}

// SystemStatus returns the service status topic, also used for the LWT.
//
// Example: shadowcore/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceReports returns a pattern matching every device report.
//
// Pattern: shadowcore/report/+
func (Topics) AllDeviceReports() string {
	return fmt.Sprintf("%s/report/+", TopicPrefix)
}

// DeviceIDFromReport extracts the device ID from a report topic.
// Returns false when the topic is not a report topic.
func (Topics) DeviceIDFromReport(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[1] != "report" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
