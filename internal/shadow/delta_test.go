package shadow

import "testing"

func TestDelta(t *testing.T) {
	tests := []struct {
		name     string
		reported StateMap
		desired  StateMap
		want     []string
	}{
		{
			name:     "identical maps",
			reported: StateMap{"temp": 72.0, "mode": "AUTO"},
			desired:  StateMap{"temp": 72.0, "mode": "AUTO"},
			want:     nil,
		},
		{
			name:     "both empty",
			reported: StateMap{},
			desired:  StateMap{},
			want:     nil,
		},
		{
			name:     "differing value",
			reported: StateMap{"temp": 68.0},
			desired:  StateMap{"temp": 72.0},
			want:     []string{"temp"},
		},
		{
			name:     "key only in desired",
			reported: StateMap{},
			desired:  StateMap{"mode": "ECO"},
			want:     []string{"mode"},
		},
		{
			name:     "key only in reported",
			reported: StateMap{"fan": "high"},
			desired:  StateMap{},
			want:     []string{"fan"},
		},
		{
			name:     "missing equals explicit null",
			reported: StateMap{"temp": nil},
			desired:  StateMap{},
			want:     nil,
		},
		{
			name:     "null versus value",
			reported: StateMap{"temp": nil},
			desired:  StateMap{"temp": 70.0},
			want:     []string{"temp"},
		},
		{
			name:     "numeric types compare by value",
			reported: StateMap{"temp": 72},
			desired:  StateMap{"temp": 72.0},
			want:     nil,
		},
		{
			name:     "nested objects equal",
			reported: StateMap{"hvac": map[string]any{"mode": "COOL", "setpoint": 70.0}},
			desired:  StateMap{"hvac": map[string]any{"setpoint": 70.0, "mode": "COOL"}},
			want:     nil,
		},
		{
			name:     "nested objects differ",
			reported: StateMap{"hvac": map[string]any{"mode": "COOL"}},
			desired:  StateMap{"hvac": map[string]any{"mode": "HEAT"}},
			want:     []string{"hvac"},
		},
		{
			name:     "arrays ordered",
			reported: StateMap{"zones": []any{"a", "b"}},
			desired:  StateMap{"zones": []any{"b", "a"}},
			want:     []string{"zones"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Delta(tt.reported, tt.desired)
			if len(got) != len(tt.want) {
				t.Fatalf("Delta() flagged %d keys, want %d: %v", len(got), len(tt.want), got)
			}
			for _, k := range tt.want {
				if _, ok := got[k]; !ok {
					t.Errorf("Delta() missing key %q", k)
				}
			}

			// The flagged key set must be symmetric.
			reverse := Delta(tt.desired, tt.reported)
			if len(reverse) != len(got) {
				t.Errorf("Delta() not symmetric: forward %d keys, reverse %d", len(got), len(reverse))
			}
			for k := range got {
				if _, ok := reverse[k]; !ok {
					t.Errorf("Delta() reverse missing key %q", k)
				}
			}
		})
	}
}

func TestDeltaSelfIsEmpty(t *testing.T) {
	m := StateMap{
		"temp": 72.0,
		"hvac": map[string]any{"mode": "AUTO", "zones": []any{1.0, 2.0}},
		"off":  nil,
	}
	if d := Delta(m, m); len(d) != 0 {
		t.Errorf("Delta(m, m) = %v, want empty", d)
	}
}

func TestDeltaEntryValues(t *testing.T) {
	got := Delta(StateMap{"temp": 68.0}, StateMap{"temp": 72.0, "mode": "ECO"})

	temp, ok := got["temp"]
	if !ok {
		t.Fatal("expected temp in delta")
	}
	if temp.Reported != 68.0 || temp.Desired != 72.0 {
		t.Errorf("temp entry = %+v, want reported 68 desired 72", temp)
	}

	mode, ok := got["mode"]
	if !ok {
		t.Fatal("expected mode in delta")
	}
	if mode.Reported != nil || mode.Desired != "ECO" {
		t.Errorf("mode entry = %+v, want reported nil desired ECO", mode)
	}
}

func TestValueEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil nil", nil, nil, true},
		{"nil value", nil, 1.0, false},
		{"int float", 130, 130.0, true},
		{"int64 float", int64(5), 5.0, true},
		{"strings", "ECO", "ECO", true},
		{"string case", "eco", "ECO", false},
		{"bools", true, true, true},
		{"bool vs string", true, "true", false},
		{"number vs string", 1.0, "1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := valueEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("valueEqual(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
