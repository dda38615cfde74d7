package azen

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidDiscovery = errors.New("invalid discovery payload")
	ErrMissingUniqueID  = errors.New("discovery payload missing unique_id")
	ErrNotObject        = errors.New("discovery payload is not a JSON object")
	ErrInvalidState     = errors.New("invalid state payload")
	ErrUnexpectedType   = errors.New("unexpected JSON type")
)

// DecodeDiscovery parses a discovery payload. The device sometimes publishes
// the JSON object wrapped in a JSON string, so one level of string encoding is
// unwrapped before the object is interpreted.
func DecodeDiscovery(payload []byte) (Discovery, error) {
	var top json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return Discovery{}, fmt.Errorf("%w: %w", ErrInvalidDiscovery, err)
	}
	top = bytes.TrimSpace(top)
	if len(top) > 0 && top[0] == '"' {
		var inner string
		if err := json.Unmarshal(top, &inner); err != nil {
			return Discovery{}, fmt.Errorf("%w: %w", ErrInvalidDiscovery, err)
		}
		top = bytes.TrimSpace([]byte(inner))
		if !json.Valid(top) {
			return Discovery{}, fmt.Errorf("%w: inner payload is not valid JSON", ErrInvalidDiscovery)
		}
	}
	if len(top) == 0 || top[0] != '{' {
		return Discovery{}, fmt.Errorf("%w: %w", ErrInvalidDiscovery, ErrNotObject)
	}
	var raw rawDiscovery
	if err := json.Unmarshal(top, &raw); err != nil {
		return Discovery{}, fmt.Errorf("%w: %w", ErrInvalidDiscovery, err)
	}
	d, err := raw.normalize()
	if err != nil {
		return Discovery{}, fmt.Errorf("%w: %w", ErrInvalidDiscovery, err)
	}
	if d.UniqueID == "" {
		return Discovery{}, fmt.Errorf("%w: %w", ErrInvalidDiscovery, ErrMissingUniqueID)
	}
	return d, nil
}

// DecodeState parses a state payload into a float. Accepted forms: a JSON
// number, a JSON string holding a number ("\"344.00\"") and bare decimal text
// that is not valid JSON. Both fallbacks are seen from real devices.
func DecodeState(payload []byte) (float64, error) {
	var v any
	err := json.Unmarshal(payload, &v)
	if err != nil {
		var syntaxErr *json.SyntaxError
		if !errors.As(err, &syntaxErr) {
			// out-of-range numbers land here, fall through to ParseFloat as well
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &typeErr) {
				return 0, fmt.Errorf("%w: %w", ErrInvalidState, err)
			}
		}
		return parseFloat(string(payload))
	}
	switch val := v.(type) {
	case float64:
		return val, nil
	case string:
		return parseFloat(val)
	default:
		return 0, fmt.Errorf("%w: %w: %T", ErrInvalidState, ErrUnexpectedType, v)
	}
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return f, nil
}
