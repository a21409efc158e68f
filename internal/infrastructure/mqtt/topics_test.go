package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"device report", topics.DeviceReport("thermostat-7"), "shadowcore/report/thermostat-7"},
		{"shadow state", topics.ShadowState("thermostat-7"), "shadowcore/shadow/thermostat-7"},
		{"shadow delta", topics.ShadowDelta("thermostat-7"), "shadowcore/delta/thermostat-7"},
		{"system status", topics.SystemStatus(), "shadowcore/system/status"},
		{"all reports", topics.AllDeviceReports(), "shadowcore/report/+"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestDeviceIDFromReport(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"shadowcore/report/thermostat-7", "thermostat-7", true},
		{"shadowcore/report/", "", false},
		{"shadowcore/shadow/thermostat-7", "", false},
		{"other/report/thermostat-7", "", false},
		{"shadowcore/report/a/b", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, ok := topics.DeviceIDFromReport(tt.topic)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("DeviceIDFromReport(%q) = %q, %v, want %q, %v",
					tt.topic, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}
