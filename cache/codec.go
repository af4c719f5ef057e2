package cache

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags every cached value with the entity it holds.
type Kind string

const (
	KindCounter  Kind = "counter"
	KindLogEntry Kind = "log_entry"
)

var (
	// ErrMiss is returned when a key does not exist.
	ErrMiss = errors.New("cache: miss")
	// ErrCorrupt is returned when a value cannot be decoded as the expected kind.
	ErrCorrupt = errors.New("cache: corrupt entry")
)

type envelope struct {
	Kind    Kind            `json:"kind"`
	Durable bool            `json:"durable,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Entry is a decoded cache value together with its key and durability flag.
type Entry[T any] struct {
	Key     string
	Value   T
	Durable bool
}

func encode[T any](kind Kind, v T, durable bool) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{Kind: kind, Durable: durable, Data: data})
}

func decode[T any](raw []byte, kind Kind) (T, bool, error) {
	var zero T
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Kind != kind {
		return zero, false, fmt.Errorf("%w: kind %q, want %q", ErrCorrupt, env.Kind, kind)
	}
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return zero, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return v, env.Durable, nil
}
