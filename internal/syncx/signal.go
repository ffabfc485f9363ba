package syncx

import "sync"

// Signal fans a "something changed" notification out to subscribers.
// Each subscriber has a one-slot buffer: notifications coalesce and Notify
// never blocks, so a slow subscriber only learns that it is behind.
type Signal struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

// NewSignal creates a signal with no subscribers.
func NewSignal() *Signal {
	return &Signal{subs: make(map[int]chan struct{})}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (s *Signal) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Notify wakes every subscriber that is not already pending.
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (s *Signal) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
