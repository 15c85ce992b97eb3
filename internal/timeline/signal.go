// Package timeline tells the patient history list when to reload.
package timeline

import "sync"

// Signal is a counter bumped once per successful upload. Subscribers are
// told the latest value; intermediate values may be skipped.
type Signal struct {
	mu    sync.Mutex
	value uint64
	subs  []chan uint64
}

// Bump increments the counter and notifies every subscriber.
func (s *Signal) Bump() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value++
	for _, ch := range s.subs {
		publish(ch, s.value)
	}
	return s.value
}

// Value returns the current counter.
func (s *Signal) Value() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Subscribe returns a channel that receives the counter after each bump.
// A slow reader sees only the most recent value.
func (s *Signal) Subscribe() <-chan uint64 {
	ch := make(chan uint64, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (s *Signal) Unsubscribe(ch <-chan uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.subs {
		if c == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(c)
			return
		}
	}
}

// publish replaces any unread value in ch with v.
func publish(ch chan uint64, v uint64) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
