// Package connectivity tracks whether the ledger is reachable.
package connectivity

import "sync"

// Signal is a boolean online flag. Subscribers are woken on every
// offline→online edge; repeated edges before a subscriber wakes collapse
// into one.
type Signal struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan struct{}
	nextID int
}

func NewSignal(online bool) *Signal {
	return &Signal{online: online, subs: make(map[int]chan struct{})}
}

func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set records the current state and reports whether it was an online edge.
func (s *Signal) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	edge := online && !s.online
	s.online = online
	if !edge {
		return false
	}
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return true
}

// Subscribe returns a channel that receives on every online edge, and a
// function that releases it.
func (s *Signal) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}
