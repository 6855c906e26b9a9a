package history

import (
	"testing"

	"LamdamChat/internal/transcript"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlot_GetSet(t *testing.T) {
	s := NewSlot()
	assert.Empty(t, s.Get())

	pairs := []transcript.QAPair{{Question: "hi", Answer: "hello"}}
	writer := uuid.New()
	s.Set(writer, pairs)

	assert.Equal(t, pairs, s.Get())
	cur := s.Current()
	assert.Equal(t, writer, cur.Source)
	assert.Equal(t, uint64(1), cur.Version)

	pairs[0].Answer = "mutated"
	assert.Equal(t, "hello", s.Get()[0].Answer, "slot keeps its own copy")
}

func TestSlot_LastWriterWins(t *testing.T) {
	s := NewSlot()
	a, b := uuid.New(), uuid.New()

	s.Set(a, []transcript.QAPair{{Question: "from a"}})
	s.Set(b, []transcript.QAPair{{Question: "from b"}})

	cur := s.Current()
	assert.Equal(t, b, cur.Source)
	assert.Equal(t, "from b", cur.Pairs[0].Question)
	assert.Equal(t, uint64(2), cur.Version)
}

func TestSlot_Subscribe(t *testing.T) {
	s := NewSlot()
	updates, cancel := s.Subscribe()
	defer cancel()

	s.Set(uuid.Nil, []transcript.QAPair{{Question: "q"}})
	u := <-updates
	assert.Equal(t, "q", u.Pairs[0].Question)
	assert.Equal(t, uuid.Nil, u.Source)
}

func TestSlot_SlowSubscriberSeesNewest(t *testing.T) {
	s := NewSlot()
	updates, cancel := s.Subscribe()
	defer cancel()

	for _, q := range []string{"one", "two", "three"} {
		s.Set(uuid.Nil, []transcript.QAPair{{Question: q}})
	}

	u := <-updates
	assert.Equal(t, "three", u.Pairs[0].Question)
	assert.Equal(t, uint64(3), u.Version)

	select {
	case extra := <-updates:
		t.Fatalf("unexpected extra update %+v", extra)
	default:
	}
}

func TestSlot_Cancel(t *testing.T) {
	s := NewSlot()
	updates, cancel := s.Subscribe()
	cancel()
	cancel()

	_, ok := <-updates
	require.False(t, ok, "channel closed after cancel")

	// publishing after cancel must not panic
	s.Set(uuid.Nil, nil)
}
