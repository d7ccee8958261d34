package upstream

import (
	"bytes"
	"encoding/json"

	"go.trai.ch/zerr"
)

// decodeList accepts a bare array, an object keyed by one of keys, or an
// object with a "data" array. A null or empty body is an empty list.
func decodeList[T any](raw json.RawMessage, keys ...string) ([]T, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []T{}, nil
	}
	if trimmed[0] == '[' {
		var out []T
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, zerr.With(zerr.Wrap(ErrMalformed, err.Error()), "shape", "array")
		}
		return out, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, zerr.With(zerr.Wrap(ErrMalformed, err.Error()), "shape", "object")
	}
	for _, key := range append(keys, "data", "items") {
		inner, ok := obj[key]
		if !ok {
			continue
		}
		inner = bytes.TrimSpace(inner)
		if len(inner) == 0 || bytes.Equal(inner, []byte("null")) {
			return []T{}, nil
		}
		var out []T
		if err := json.Unmarshal(inner, &out); err != nil {
			return nil, zerr.With(zerr.Wrap(ErrMalformed, err.Error()), "key", key)
		}
		return out, nil
	}
	// {"status":"Success","count":0} carries no list key at all.
	if count, ok := obj["count"]; ok && bytes.Equal(bytes.TrimSpace(count), []byte("0")) {
		return []T{}, nil
	}
	return nil, zerr.With(zerr.Wrap(ErrMalformed, "list key missing"), "keys", keys)
}

// decodeOne accepts {"<key>": {...}} or the bare object.
func decodeOne[T any](raw json.RawMessage, key string) (T, error) {
	var zero T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return zero, zerr.With(zerr.Wrap(ErrMalformed, "expected object"), "key", key)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return zero, zerr.With(zerr.Wrap(ErrMalformed, err.Error()), "key", key)
	}
	body := trimmed
	if inner, ok := obj[key]; ok {
		inner = bytes.TrimSpace(inner)
		if len(inner) == 0 || inner[0] != '{' {
			return zero, zerr.With(zerr.Wrap(ErrMalformed, "envelope is not an object"), "key", key)
		}
		body = inner
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return zero, zerr.With(zerr.Wrap(ErrMalformed, err.Error()), "key", key)
	}
	return out, nil
}
