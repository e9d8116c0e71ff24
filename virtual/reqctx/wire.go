package reqctx

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/buger/jsonparser"
)

// Wire is the serialized form of a request context. Values must be JSON-encodable.
type Wire struct {
	CorrelationID       string         `json:"correlation_id,omitempty"`
	LegacyCorrelationID string         `json:"legacy_correlation_id,omitempty"`
	Values              map[string]any `json:"values,omitempty"`
}

// IsZero returns true if w does not describe any request context.
func (w Wire) IsZero() bool {
	return w.CorrelationID == "" && w.LegacyCorrelationID == "" && len(w.Values) == 0
}

// UnmarshalJSON decodes a Wire without going through encoding/json's interface{} rules so
// that integers come back as int64 instead of float64. Nested objects and arrays are kept
// as json.RawMessage.
func (w *Wire) UnmarshalJSON(b []byte) error {
	*w = Wire{}
	if len(bytes.TrimSpace(b)) == 0 || bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}

	return jsonparser.ObjectEach(b, func(key, value []byte, dataType jsonparser.ValueType, offset int) error {
		switch string(key) {
		case "correlation_id":
			s, err := decodeString(value, dataType)
			if err != nil {
				return fmt.Errorf("reqctx: error decoding correlation_id: %w", err)
			}
			w.CorrelationID = s
		case "legacy_correlation_id":
			s, err := decodeString(value, dataType)
			if err != nil {
				return fmt.Errorf("reqctx: error decoding legacy_correlation_id: %w", err)
			}
			w.LegacyCorrelationID = s
		case "values":
			if dataType == jsonparser.Null {
				return nil
			}
			if dataType != jsonparser.Object {
				return fmt.Errorf("reqctx: values must be an object, got: %s", dataType)
			}
			w.Values = make(map[string]any)
			return jsonparser.ObjectEach(value, func(k, v []byte, vt jsonparser.ValueType, _ int) error {
				name, err := jsonparser.ParseString(k)
				if err != nil {
					return fmt.Errorf("reqctx: error decoding value key: %w", err)
				}
				decoded, err := decodeValue(v, vt)
				if err != nil {
					return fmt.Errorf("reqctx: error decoding value for key: %s, err: %w", name, err)
				}
				w.Values[name] = decoded
				return nil
			})
		}
		return nil
	})
}

func decodeString(value []byte, dataType jsonparser.ValueType) (string, error) {
	switch dataType {
	case jsonparser.Null:
		return "", nil
	case jsonparser.String:
		return jsonparser.ParseString(value)
	default:
		return "", fmt.Errorf("expected string, got: %s", dataType)
	}
}

func decodeValue(value []byte, dataType jsonparser.ValueType) (any, error) {
	switch dataType {
	case jsonparser.String:
		return jsonparser.ParseString(value)
	case jsonparser.Number:
		if i, err := jsonparser.ParseInt(value); err == nil {
			return i, nil
		}
		return jsonparser.ParseFloat(value)
	case jsonparser.Boolean:
		return jsonparser.ParseBoolean(value)
	case jsonparser.Null:
		return nil, nil
	case jsonparser.Object, jsonparser.Array:
		return json.RawMessage(append([]byte(nil), value...)), nil
	default:
		return nil, fmt.Errorf("unsupported value type: %s", dataType)
	}
}
