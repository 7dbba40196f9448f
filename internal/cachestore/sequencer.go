package cachestore

import "sync"

// Sequencer hands out increasing sequence numbers per key.
// A response may only be written to the cache if its sequence number is still the latest issued for that key.
type Sequencer struct {
	mu     sync.Mutex
	latest map[string]uint64
}

func NewSequencer() *Sequencer {
	return &Sequencer{
		latest: make(map[string]uint64),
	}
}

func (s *Sequencer) Next(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest[key]++
	return s.latest[key]
}

func (s *Sequencer) IsLatest(key string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.latest[key] == seq
}
