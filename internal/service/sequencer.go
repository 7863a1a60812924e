package service

import "sync"

// Sequencer serializes work per conversation. Different conversations never
// wait on each other; idle keys are dropped.
type Sequencer struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewSequencer() *Sequencer {
	return &Sequencer{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (s *Sequencer) Lock(key string) (unlock func()) {
	s.mu.Lock()
	l := s.locks[key]
	if l == nil {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *Sequencer) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
