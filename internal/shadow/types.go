package shadow

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// PendingKey is the reserved key inside the desired section of the wire
// format. It carries the pending key list and can never be set as an
// ordinary desired value.
const PendingKey = "pending"

// maxStateDepth bounds nesting in state maps to keep documents sane and
// to terminate on accidentally self-referential input.
const maxStateDepth = 32

// Source values recorded on history entries, identifying which operation
// produced the archived state.
const (
	SourceCreate = "create"
	SourceUpdate = "update"
	SourceReport = "report"
	SourceDelete = "delete"
)

// StateMap holds one section of shadow state (reported or desired).
// Values must be JSON-serializable: null, bool, number, string, nested
// objects and arrays thereof.
type StateMap map[string]any

// DeepCopy returns an independent copy of the state map.
// Nested maps and slices are copied recursively.
func (m StateMap) DeepCopy() StateMap {
	if m == nil {
		return nil
	}
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = deepCopyValue(inner)
		}
		return out
	case StateMap:
		return map[string]any(val.DeepCopy())
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = deepCopyValue(inner)
		}
		return out
	default:
		return val
	}
}

// mergeInto applies patch keys onto base, overwriting existing keys and
// inserting new ones. Matching keys are replaced wholesale; nested objects
// are not merged recursively. Returns a new map, leaving base untouched.
func mergeInto(base, patch StateMap) StateMap {
	out := base.DeepCopy()
	if out == nil {
		out = make(StateMap, len(patch))
	}
	for k, v := range patch {
		out[k] = deepCopyValue(v)
	}
	return out
}

// Sanitize validates and normalizes a state map for storage.
// Numbers are normalized to float64, the JSON representation. Values that
// cannot be represented as JSON (functions, channels, cyclic structures)
// are rejected with ErrValidation.
func (m StateMap) Sanitize() (StateMap, error) {
	if m == nil {
		return nil, nil
	}
	out := make(StateMap, len(m))
	for k, v := range m {
		clean, err := sanitizeValue(v, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrValidation, k, err)
		}
		out[k] = clean
	}
	return out, nil
}

func sanitizeValue(v any, depth int) (any, error) {
	if depth > maxStateDepth {
		return nil, fmt.Errorf("nesting exceeds %d levels", maxStateDepth)
	}
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return val, nil
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int8:
		return float64(val), nil
	case int16:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case uint8:
		return float64(val), nil
	case uint16:
		return float64(val), nil
	case uint32:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", val.String())
		}
		return f, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			clean, err := sanitizeValue(inner, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = clean
		}
		return out, nil
	case StateMap:
		return sanitizeValue(map[string]any(val), depth)
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			clean, err := sanitizeValue(inner, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// ShadowDocument is the versioned state record for a single device.
//
// Reported holds the device's last confirmed state, desired holds the
// application's requested state, and Pending lists the desired keys not
// yet confirmed by a device report. Version increments by exactly one on
// every successful write.
type ShadowDocument struct {
	DeviceID  string
	Reported  StateMap
	Desired   StateMap
	Pending   []string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeepCopy returns an independent copy of the document.
func (d *ShadowDocument) DeepCopy() *ShadowDocument {
	if d == nil {
		return nil
	}
	out := *d
	out.Reported = d.Reported.DeepCopy()
	out.Desired = d.Desired.DeepCopy()
	if d.Pending != nil {
		out.Pending = make([]string, len(d.Pending))
		copy(out.Pending, d.Pending)
	}
	return &out
}

// HasPending reports whether key is in the pending list.
func (d *ShadowDocument) HasPending(key string) bool {
	for _, k := range d.Pending {
		if k == key {
			return true
		}
	}
	return false
}

// shadowMetadata is the metadata block of the wire format.
type shadowMetadata struct {
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// shadowWire is the external JSON shape. The pending list travels inside
// the desired section under the reserved "pending" key.
type shadowWire struct {
	DeviceID string         `json:"device_id"`
	Reported StateMap       `json:"reported"`
	Desired  map[string]any `json:"desired"`
	Version  int64          `json:"version"`
	Metadata shadowMetadata `json:"metadata"`
}

// MarshalJSON renders the document in the wire format, folding the
// pending list into the desired section.
func (d *ShadowDocument) MarshalJSON() ([]byte, error) {
	desired := make(map[string]any, len(d.Desired)+1)
	for k, v := range d.Desired {
		desired[k] = v
	}
	if len(d.Pending) > 0 {
		pending := make([]string, len(d.Pending))
		copy(pending, d.Pending)
		sort.Strings(pending)
		desired[PendingKey] = pending
	}
	return json.Marshal(shadowWire{
		DeviceID: d.DeviceID,
		Reported: d.Reported,
		Desired:  desired,
		Version:  d.Version,
		Metadata: shadowMetadata{
			CreatedAt:   d.CreatedAt,
			LastUpdated: d.UpdatedAt,
		},
	})
}

// UnmarshalJSON parses the wire format, extracting the pending list from
// the desired section back into the Pending field.
func (d *ShadowDocument) UnmarshalJSON(data []byte) error {
	var wire shadowWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var pending []string
	desired := make(StateMap, len(wire.Desired))
	for k, v := range wire.Desired {
		if k == PendingKey {
			raw, ok := v.([]any)
			if !ok {
				return fmt.Errorf("%w: desired.pending must be an array of strings", ErrValidation)
			}
			for _, item := range raw {
				s, ok := item.(string)
				if !ok {
					return fmt.Errorf("%w: desired.pending must be an array of strings", ErrValidation)
				}
				pending = append(pending, s)
			}
			continue
		}
		desired[k] = v
	}
	sort.Strings(pending)
	d.DeviceID = wire.DeviceID
	d.Reported = wire.Reported
	d.Desired = desired
	d.Pending = pending
	d.Version = wire.Version
	d.CreatedAt = wire.Metadata.CreatedAt
	d.UpdatedAt = wire.Metadata.LastUpdated
	return nil
}

// normalizePending deduplicates, sorts, and drops keys absent from
// desired. Pending must always reference live desired keys.
func normalizePending(pending []string, desired StateMap) []string {
	if len(pending) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(pending))
	out := make([]string, 0, len(pending))
	for _, k := range pending {
		if _, dup := seen[k]; dup {
			continue
		}
		if _, exists := desired[k]; !exists {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
