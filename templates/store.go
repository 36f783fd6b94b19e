package templates

import "sync"

// Store keeps the last payload seen on every subscribed topic. Paho
// delivers messages on its own goroutines, so access is guarded.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStore() *Store {
	return &Store{values: map[string]string{}}
}

func (s *Store) Set(topic string, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[topic] = payload
}

func (s *Store) Get(topic string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.values[topic]
	return payload, ok
}
