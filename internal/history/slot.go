// Package history holds the question/answer history shared between the chat
// console and the rest of the application.
package history

import (
	"slices"
	"sync"

	"LamdamChat/internal/transcript"

	"github.com/google/uuid"
)

// Update is a published history value.
type Update struct {
	// Source identifies the writer; uuid.Nil for anonymous writers.
	Source  uuid.UUID
	Pairs   []transcript.QAPair
	Version uint64
}

// Slot is a single shared history value with last-writer-wins semantics. No
// merging is attempted between writers.
type Slot struct {
	mu      sync.RWMutex
	current Update
	subs    map[int]chan Update
	nextSub int
}

// NewSlot creates an empty slot.
func NewSlot() *Slot {
	return &Slot{subs: make(map[int]chan Update)}
}

// Get returns a copy of the current pairs.
func (s *Slot) Get() []transcript.QAPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.current.Pairs)
}

// Current returns the latest update.
func (s *Slot) Current() Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.current
	u.Pairs = slices.Clone(u.Pairs)
	return u
}

// Set replaces the history and notifies subscribers.
func (s *Slot) Set(source uuid.UUID, pairs []transcript.QAPair) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = Update{
		Source:  source,
		Pairs:   slices.Clone(pairs),
		Version: s.current.Version + 1,
	}
	for _, ch := range s.subs {
		deliver(ch, s.current)
	}
}

// Subscribe returns a channel receiving later updates and a function that
// ends the subscription. A slow subscriber only ever sees the newest value.
func (s *Slot) Subscribe() (<-chan Update, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Update, 1)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func deliver(ch chan Update, u Update) {
	u.Pairs = slices.Clone(u.Pairs)
	select {
	case ch <- u:
		return
	default:
	}
	// replace the stale value nobody has read yet
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- u:
	default:
	}
}
