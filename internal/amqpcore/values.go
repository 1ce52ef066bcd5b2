package amqpcore

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// AMQP peers are free to pick the width of integer values, so attach
// properties and status codes are read through these helpers.

func int64Value(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func int32Value(v any) (int32, bool) {
	n, ok := int64Value(v)
	if !ok || n < math.MinInt32 || n > math.MaxInt32 {
		return 0, false
	}
	return int32(n), true
}

func int16Value(v any) (int16, bool) {
	n, ok := int64Value(v)
	if !ok || n < math.MinInt16 || n > math.MaxInt16 {
		return 0, false
	}
	return int16(n), true
}

// Management response bodies decode as map[string]any or map[any]any
// depending on the transport.
func stringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if key, ok := k.(string); ok {
				out[key] = val
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func anySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}

func timeSlice(v any) []time.Time {
	switch s := v.(type) {
	case []time.Time:
		return s
	case []any:
		out := make([]time.Time, 0, len(s))
		for _, item := range s {
			if t, ok := item.(time.Time); ok {
				out = append(out, t)
			}
		}
		return out
	default:
		return nil
	}
}

func lockTokenString(v any) (string, bool) {
	switch t := v.(type) {
	case uuid.UUID:
		return t.String(), true
	case [16]byte:
		return uuid.UUID(t).String(), true
	case string:
		if _, err := uuid.Parse(t); err == nil {
			return t, true
		}
	}
	return "", false
}
