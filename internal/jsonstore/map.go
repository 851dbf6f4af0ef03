// Generic insertion-ordered mapping document.

package jsonstore

import (
	"encoding/json"
	"fmt"
	"iter"
)

// Map is a Document holding arbitrary JSON values by key, in file order.
type Map struct {
	entries *Entries
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{entries: NewEntries()}
}

// Load implements [Document].
func (m *Map) Load(entries *Entries) error {
	m.entries = entries
	return nil
}

// Entries implements [Document].
func (m *Map) Entries() (*Entries, error) {
	return m.entries, nil
}

// Len returns the number of keys.
func (m *Map) Len() int {
	return m.entries.Len()
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.entries.Get(key)
	return ok
}

// Get returns the raw value for key. The returned bytes must not be modified.
func (m *Map) Get(key string) (json.RawMessage, bool) {
	return m.entries.Get(key)
}

// Set stores a raw value. New keys are appended.
func (m *Map) Set(key string, value json.RawMessage) {
	m.entries.Set(key, value)
}

// SetValue marshals v and stores it under key.
func (m *Map) SetValue(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	m.entries.Set(key, data)
	return nil
}

// Delete removes key and reports whether it was present.
func (m *Map) Delete(key string) bool {
	_, ok := m.entries.Delete(key)
	return ok
}

// Keys iterates over keys in file order.
func (m *Map) Keys() iter.Seq[string] {
	return func(yield func(string) bool) {
		for pair := m.entries.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key) {
				return
			}
		}
	}
}

// All iterates over key/value pairs in file order.
func (m *Map) All() iter.Seq2[string, json.RawMessage] {
	return func(yield func(string, json.RawMessage) bool) {
		for pair := m.entries.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key, pair.Value) {
				return
			}
		}
	}
}

// Value decodes the value stored under key into a T.
func Value[T any](m *Map, key string) (T, bool, error) {
	var v T
	raw, ok := m.entries.Get(key)
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, true, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return v, true, nil
}
