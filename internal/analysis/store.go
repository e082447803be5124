package analysis

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// SubtoolResult is the first payload received for a subtool.
type SubtoolResult struct {
	Name       Subtool         `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	ResolvedAt time.Time       `json:"resolvedAt"`
}

// Results is an immutable view of resolved subtools. The zero value is empty.
type Results struct {
	m map[Subtool]SubtoolResult
}

// Len returns the number of resolved subtools.
func (r Results) Len() int {
	return len(r.m)
}

// Get returns the result for name.
func (r Results) Get(name Subtool) (SubtoolResult, bool) {
	res, ok := r.m[name]
	return res, ok
}

// Has reports whether name is resolved.
func (r Results) Has(name Subtool) bool {
	_, ok := r.m[name]
	return ok
}

// Names returns resolved subtool names in sorted order.
func (r Results) Names() []Subtool {
	out := make([]Subtool, 0, len(r.m))
	for name := range r.m {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Payloads returns a copy of the name to payload mapping.
func (r Results) Payloads() map[Subtool]json.RawMessage {
	out := make(map[Subtool]json.RawMessage, len(r.m))
	for name, res := range r.m {
		out[name] = res.Payload
	}
	return out
}

// MarshalJSON encodes the results as a name to payload object.
func (r Results) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Payloads())
}

// Store applies arriving payloads with first-write-wins semantics. Every
// successful merge publishes a new Results value; published values are never
// modified.
type Store struct {
	mu      sync.RWMutex
	current Results
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Merge records payload for name. It reports false and changes nothing when
// name is already resolved or payload is empty or JSON null.
func (s *Store) Merge(name Subtool, payload json.RawMessage, at time.Time) bool {
	if isEmptyPayload(payload) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Has(name) {
		return false
	}

	next := make(map[Subtool]SubtoolResult, len(s.current.m)+1)
	for k, v := range s.current.m {
		next[k] = v
	}
	next[name] = SubtoolResult{
		Name:       name,
		Payload:    append(json.RawMessage(nil), payload...),
		ResolvedAt: at,
	}
	s.current = Results{m: next}
	return true
}

// Results returns the current immutable view.
func (s *Store) Results() Results {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func isEmptyPayload(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
