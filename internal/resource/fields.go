package resource

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Fields is a loosely typed field map as it arrives from a form or JSON body.
// Values may be strings (form fields) or decoded JSON values.
type Fields map[string]any

func (f Fields) has(key string) bool {
	_, ok := f[key]
	return ok
}

// String returns the value for key as a string. ok is false when the key is
// absent or null.
func (f Fields) String(key string) (s string, ok bool, err error) {
	v, present := f[key]
	if !present || v == nil {
		return "", false, nil
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	case fmt.Stringer:
		return t.String(), true, nil
	}
	return "", false, fmt.Errorf("%w: %s must be a string", ErrInvalidInput, key)
}

// Float returns the value for key as a float64, parsing strings. NaN and the
// infinities are rejected.
func (f Fields) Float(key string) (n float64, ok bool, err error) {
	v, present := f[key]
	if !present || v == nil {
		return 0, false, nil
	}
	switch t := v.(type) {
	case float64:
		n = t
	case float32:
		n = float64(t)
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case json.Number:
		if n, err = t.Float64(); err != nil {
			return 0, false, fmt.Errorf("%w: %s must be a number", ErrInvalidInput, key)
		}
	case string:
		if n, err = strconv.ParseFloat(strings.TrimSpace(t), 64); err != nil {
			return 0, false, fmt.Errorf("%w: %s must be a number", ErrInvalidInput, key)
		}
	default:
		return 0, false, fmt.Errorf("%w: %s must be a number", ErrInvalidInput, key)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false, fmt.Errorf("%w: %s must be a finite number", ErrInvalidInput, key)
	}
	return n, true, nil
}

// Scores returns a name→score mapping. Form submissions may carry it as a
// JSON-encoded string.
func (f Fields) Scores(key string) (m map[string]float64, ok bool, err error) {
	v, present := f[key]
	if !present || v == nil {
		return nil, false, nil
	}
	switch t := v.(type) {
	case map[string]float64:
		out := make(map[string]float64, len(t))
		for k, n := range t {
			if math.IsNaN(n) || math.IsInf(n, 0) {
				return nil, false, fmt.Errorf("%w: %s.%s must be a finite number", ErrInvalidInput, key, k)
			}
			out[k] = n
		}
		return out, true, nil
	case map[string]any:
		sub := Fields(t)
		out := make(map[string]float64, len(t))
		for k := range t {
			n, _, err := sub.Float(k)
			if err != nil {
				return nil, false, fmt.Errorf("%w: %s.%s must be a number", ErrInvalidInput, key, k)
			}
			out[k] = n
		}
		return out, true, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, false, nil
		}
		var out map[string]float64
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil, false, fmt.Errorf("%w: %s must be a JSON object of numbers", ErrInvalidInput, key)
		}
		return out, true, nil
	}
	return nil, false, fmt.Errorf("%w: %s must be an object", ErrInvalidInput, key)
}

// Time returns the value for key as a time, parsing RFC 3339 strings.
func (f Fields) Time(key string) (t time.Time, ok bool, err error) {
	v, present := f[key]
	if !present || v == nil {
		return time.Time{}, false, nil
	}
	switch x := v.(type) {
	case time.Time:
		return x, true, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", ErrInvalidInput, key)
		}
		return parsed, true, nil
	}
	return time.Time{}, false, fmt.Errorf("%w: %s must be a timestamp", ErrInvalidInput, key)
}

// first returns the string value of the first present key.
func (f Fields) first(keys ...string) (string, error) {
	for _, k := range keys {
		s, ok, err := f.String(k)
		if err != nil {
			return "", err
		}
		if ok {
			return s, nil
		}
	}
	return "", nil
}
