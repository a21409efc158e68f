package shadow

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestStateMapSanitize(t *testing.T) {
	t.Run("normalizes numbers to float64", func(t *testing.T) {
		clean, err := StateMap{"a": 1, "b": int64(2), "c": float32(3)}.Sanitize()
		if err != nil {
			t.Fatalf("Sanitize() error: %v", err)
		}
		for k, want := range map[string]float64{"a": 1, "b": 2, "c": 3} {
			if clean[k] != want {
				t.Errorf("key %q = %v (%T), want float64 %v", k, clean[k], clean[k], want)
			}
		}
	})

	t.Run("accepts nested structures", func(t *testing.T) {
		clean, err := StateMap{
			"hvac": map[string]any{"zones": []any{1, "two", nil}},
		}.Sanitize()
		if err != nil {
			t.Fatalf("Sanitize() error: %v", err)
		}
		zones := clean["hvac"].(map[string]any)["zones"].([]any)
		if zones[0] != 1.0 || zones[1] != "two" || zones[2] != nil {
			t.Errorf("nested values not normalized: %v", zones)
		}
	})

	t.Run("rejects unsupported types", func(t *testing.T) {
		_, err := StateMap{"fn": func() {}}.Sanitize()
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Sanitize() error = %v, want ErrValidation", err)
		}
	})

	t.Run("rejects excessive nesting", func(t *testing.T) {
		deep := any("leaf")
		for i := 0; i < maxStateDepth+2; i++ {
			deep = map[string]any{"next": deep}
		}
		_, err := StateMap{"root": deep}.Sanitize()
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Sanitize() error = %v, want ErrValidation", err)
		}
	})

	t.Run("nil map stays nil", func(t *testing.T) {
		clean, err := StateMap(nil).Sanitize()
		if err != nil || clean != nil {
			t.Errorf("Sanitize(nil) = %v, %v, want nil, nil", clean, err)
		}
	})
}

func TestStateMapDeepCopy(t *testing.T) {
	original := StateMap{
		"temp": 72.0,
		"hvac": map[string]any{"mode": "AUTO"},
	}
	clone := original.DeepCopy()
	clone["temp"] = 0.0
	clone["hvac"].(map[string]any)["mode"] = "OFF"

	if original["temp"] != 72.0 {
		t.Error("DeepCopy shares top-level values")
	}
	if original["hvac"].(map[string]any)["mode"] != "AUTO" {
		t.Error("DeepCopy shares nested maps")
	}
}

func TestShadowDocumentWireFormat(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := &ShadowDocument{
		DeviceID:  "dev-1",
		Reported:  StateMap{"temp": 68.0},
		Desired:   StateMap{"temp": 72.0, "mode": "ECO"},
		Pending:   []string{"temp", "mode"},
		Version:   3,
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
	}

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	// Pending must travel inside desired, not as a top-level field.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal raw: %v", err)
	}
	if _, ok := raw["pending"]; ok {
		t.Error("pending leaked to top level of wire format")
	}
	var desired map[string]any
	if err := json.Unmarshal(raw["desired"], &desired); err != nil {
		t.Fatalf("Unmarshal desired: %v", err)
	}
	pending, ok := desired["pending"].([]any)
	if !ok || len(pending) != 2 {
		t.Fatalf("desired.pending = %v, want two keys", desired["pending"])
	}

	var back ShadowDocument
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if back.DeviceID != "dev-1" || back.Version != 3 {
		t.Errorf("round trip lost identity: %+v", back)
	}
	if !reflect.DeepEqual(back.Pending, []string{"mode", "temp"}) {
		t.Errorf("round trip pending = %v, want [mode temp]", back.Pending)
	}
	if _, ok := back.Desired[PendingKey]; ok {
		t.Error("pending key left inside desired after unmarshal")
	}
	if back.Desired["mode"] != "ECO" {
		t.Errorf("round trip desired = %v", back.Desired)
	}
	if !back.CreatedAt.Equal(created) {
		t.Errorf("round trip created_at = %v, want %v", back.CreatedAt, created)
	}
}

func TestShadowDocumentMarshalOmitsEmptyPending(t *testing.T) {
	doc := &ShadowDocument{
		DeviceID: "dev-1",
		Desired:  StateMap{"temp": 72.0},
		Version:  1,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var wire struct {
		Desired map[string]any `json:"desired"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	if _, ok := wire.Desired["pending"]; ok {
		t.Error("empty pending list serialized into desired")
	}
}

func TestNormalizePending(t *testing.T) {
	desired := StateMap{"temp": 72.0, "mode": "ECO"}

	got := normalizePending([]string{"mode", "temp", "mode", "gone"}, desired)
	want := []string{"mode", "temp"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("normalizePending() = %v, want %v", got, want)
	}

	if normalizePending(nil, desired) != nil {
		t.Error("normalizePending(nil) should stay nil")
	}
	if normalizePending([]string{"gone"}, desired) != nil {
		t.Error("pending keys absent from desired should be dropped")
	}
}
