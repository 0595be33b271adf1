package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Key is a typed handle into a FlightMap. The value type is fixed by the key,
// so a step that reads a key with the wrong type does not compile.
type Key[T any] struct {
	name string
}

// NewKey creates a typed key with the given name.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the storage name of the key.
func (k Key[T]) Name() string {
	return k.name
}

// FlightMap is the working context shared by the steps of one flight.
// Values are held in their JSON encoding so the engine can checkpoint the
// map between steps and rebuild it after a restart.
type FlightMap struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewFlightMap creates an empty map.
func NewFlightMap() *FlightMap {
	return &FlightMap{values: make(map[string]json.RawMessage)}
}

// Put stores v under k, replacing any previous value.
func Put[T any](m *FlightMap, k Key[T], v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return NewPermanentError(fmt.Sprintf("failed to encode working value %q", k.name), err).
			WithCode(ErrCodeInternal)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[k.name] = raw
	return nil
}

// Lookup returns the value stored under k and whether it was present.
func Lookup[T any](m *FlightMap, k Key[T]) (T, bool, error) {
	var out T

	m.mu.RLock()
	raw, ok := m.values[k.name]
	m.mu.RUnlock()
	if !ok {
		return out, false, nil
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, true, NewPermanentError(fmt.Sprintf("failed to decode working value %q", k.name), err).
			WithCode(ErrCodeInternal)
	}
	return out, true, nil
}

// Get returns the value stored under k. A missing key is a workflow bug and
// is reported as a permanent internal error.
func Get[T any](m *FlightMap, k Key[T]) (T, error) {
	v, ok, err := Lookup(m, k)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, NewPermanentError(fmt.Sprintf("required working value %q is missing", k.name), nil).
			WithCode(ErrCodeInternal)
	}
	return v, nil
}

// Has reports whether a value is stored under name.
func (m *FlightMap) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[name]
	return ok
}

// Delete removes the value stored under name.
func (m *FlightMap) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, name)
}

// Keys returns the stored key names in sorted order.
func (m *FlightMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the map.
func (m *FlightMap) Clone() *FlightMap {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := NewFlightMap()
	for k, v := range m.values {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out.values[k] = cp
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (m *FlightMap) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.values)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *FlightMap) UnmarshalJSON(data []byte) error {
	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = values
	return nil
}
