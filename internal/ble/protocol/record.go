// Package protocol defines the notification record format and the framing
// used for writes coming from the companion console.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidRecord is returned when a record holds a value that cannot be
// sent to a central.
var ErrInvalidRecord = errors.New("protocol: invalid record")

// Record is one sensor reading: field name to number, string, bool or nil.
type Record map[string]any

// Validate checks every field holds a supported value. Fields are checked
// in name order so the reported field is stable.
func (r Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	for _, k := range r.Keys() {
		if k == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidRecord)
		}
		if err := validateValue(r[k]); err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidRecord, k, err)
		}
	}
	return nil
}

// Keys returns the field names in ascending order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validateValue(v any) error {
	switch x := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return nil
	case float32:
		return checkFloat(float64(x))
	case float64:
		return checkFloat(x)
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
}

func checkFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %v", f)
	}
	return nil
}
