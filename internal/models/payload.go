package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Reserved payload fields.
const (
	FieldType             = "TYPE"
	FieldName             = "Name"
	FieldZip              = "Zip"
	FieldProduct          = "Product"
	FieldProcessingStatus = "ProcessingStatus"
	FieldSourceID         = "source_id"
	FieldFiles            = "files"

	TriggerType = "Reporter"
)

// Payload is the field bag carried by a work item.
type Payload map[string]any

// TriggerPayload builds the discriminator-only payload of the trigger item.
func TriggerPayload() Payload {
	return Payload{FieldType: TriggerType}
}

// IsTrigger reports whether the payload carries the trigger discriminator.
func (p Payload) IsTrigger() bool {
	v, ok := p[FieldType].(string)
	return ok && v == TriggerType
}

// Clone returns a shallow copy safe to mutate at the top level.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the field as text and whether it was present.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// Strings returns a list field, accepting both []string and decoded JSON arrays.
func (p Payload) Strings(key string) []string {
	switch t := p[key].(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t != "" {
			return []string{t}
		}
	}
	return nil
}

// Int returns the field as an integer. present is false when the key is absent,
// err is set when the value cannot be read as a whole number.
func (p Payload) Int(key string) (n int, present bool, err error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch t := v.(type) {
	case int:
		return t, true, nil
	case int64:
		return int(t), true, nil
	case float64:
		if t != math.Trunc(t) {
			return 0, true, fmt.Errorf("%s: %v is not a whole number", key, t)
		}
		return int(t), true, nil
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return int(i), true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, true, fmt.Errorf("%s: %q is not a number", key, t)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}
