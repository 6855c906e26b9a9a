package transcript

import (
	"slices"
	"sync/atomic"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Role returns the chat-completion role for the speaker.
func (s Speaker) Role() string {
	if s == SpeakerUser {
		return "user"
	}
	return "assistant"
}

// Turn represents a single committed chat message
type Turn struct {
	ID        int64     `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// QAPair is one question/answer unit of the shared history.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

var lastID atomic.Int64

// nextID derives ids from the wall clock in milliseconds and bumps past the
// previous value when two turns are created in the same millisecond.
func nextID(now time.Time) int64 {
	for {
		prev := lastID.Load()
		id := now.UnixMilli()
		if id <= prev {
			id = prev + 1
		}
		if lastID.CompareAndSwap(prev, id) {
			return id
		}
	}
}

// NewTurn creates a turn stamped with the current time.
func NewTurn(speaker Speaker, content string) Turn {
	now := time.Now()
	return Turn{
		ID:        nextID(now),
		Speaker:   speaker,
		Content:   content,
		CreatedAt: now,
	}
}

// Transcript is the ordered log of committed turns of one console.
// It is not safe for concurrent use; the owning controller serializes access.
type Transcript struct {
	turns []Turn
}

// New creates a transcript holding the given turns.
func New(turns ...Turn) *Transcript {
	return &Transcript{turns: slices.Clone(turns)}
}

// Append adds a turn at the end of the transcript.
func (t *Transcript) Append(turn Turn) {
	t.turns = append(t.turns, turn)
}

// ReplaceAll swaps the whole conversation, used when another conversation
// is supplied through the shared history.
func (t *Transcript) ReplaceAll(turns []Turn) {
	t.turns = slices.Clone(turns)
}

// Len returns the number of committed turns.
func (t *Transcript) Len() int {
	return len(t.turns)
}

// Turns returns a copy of the committed turns.
func (t *Transcript) Turns() []Turn {
	return slices.Clone(t.turns)
}

// QAPairs flattens the transcript into question/answer pairs: pair i takes
// turn 2i as the question and turn 2i+1 as the answer. A trailing unmatched
// turn yields an empty answer.
func (t *Transcript) QAPairs() []QAPair {
	pairs := make([]QAPair, 0, (len(t.turns)+1)/2)
	for i := 0; i < len(t.turns); i += 2 {
		pair := QAPair{Question: t.turns[i].Content}
		if i+1 < len(t.turns) {
			pair.Answer = t.turns[i+1].Content
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

// FromQAPairs expands each pair into a user turn followed by an assistant turn.
func FromQAPairs(pairs []QAPair) []Turn {
	turns := make([]Turn, 0, len(pairs)*2)
	for _, p := range pairs {
		turns = append(turns,
			NewTurn(SpeakerUser, p.Question),
			NewTurn(SpeakerAssistant, p.Answer),
		)
	}
	return turns
}
