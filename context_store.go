package monitor

import (
	"sync"
)

// Snapshot is a read-only copy of the stored user, context buckets and tags
type Snapshot struct {
	User    Map
	Context Map
	Tags    map[string]string
}

// ContextStore holds the user, context buckets and tags attached to every
// report of the owning monitor
type ContextStore struct {
	mu      sync.RWMutex
	user    Map
	context Map
	tags    map[string]string
}

// NewContextStore creates an empty store
func NewContextStore() *ContextStore {
	return &ContextStore{
		user:    Map{},
		context: Map{},
		tags:    map[string]string{},
	}
}

// SetUser replaces the current user
func (s *ContextStore) SetUser(user Map) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user == nil {
		s.user = Map{}
		return
	}
	s.user = Clone(user).(Map)
}

// User returns a copy of the current user
func (s *ContextStore) User() Map {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Clone(s.user).(Map)
}

// SetContext upserts the named context bucket
func (s *ContextStore) SetContext(key string, data Map) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data == nil {
		data = Map{}
	}
	s.context[key] = Clone(data)
}

// Context returns a copy of all context buckets
func (s *ContextStore) Context() Map {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Clone(s.context).(Map)
}

// SetTags merges tags into the current set, later values win
func (s *ContextStore) SetTags(tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range tags {
		s.tags[k] = v
	}
}

// Tags returns a copy of the current tags
func (s *ContextStore) Tags() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		out[k] = v
	}
	return out
}

// Snapshot copies the whole store
func (s *ContextStore) Snapshot() Snapshot {
	return Snapshot{
		User:    s.User(),
		Context: s.Context(),
		Tags:    s.Tags(),
	}
}

// Reset clears the store, for reuse across requests
func (s *ContextStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user = Map{}
	s.context = Map{}
	s.tags = map[string]string{}
}
