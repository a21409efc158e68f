// Package mqtt provides MQTT connectivity for the shadow engine.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// MQTT is the device-facing transport: constrained devices publish state
// reports to shadowcore/report/{device_id}, and the engine mirrors the
// authoritative shadow document to shadowcore/shadow/{device_id} as a
// retained message. A device waking from deep sleep resubscribes and
// immediately receives its current desired state without polling.
//
//	Devices ↔ MQTT Broker ↔ Shadow Engine
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceReports(), 1,
//	    func(topic string, payload []byte) error {
//	        deviceID, _ := mqtt.Topics{}.DeviceIDFromReport(topic)
//	        return ingest(deviceID, payload)
//	    })
package mqtt
