package transcript

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alternating(n int) []Turn {
	turns := make([]Turn, n)
	for i := range turns {
		speaker := SpeakerUser
		if i%2 == 1 {
			speaker = SpeakerAssistant
		}
		turns[i] = NewTurn(speaker, fmt.Sprintf("turn-%d", i))
	}
	return turns
}

func TestQAPairs(t *testing.T) {
	tests := []struct {
		name      string
		turns     int
		wantPairs int
	}{
		{name: "empty", turns: 0, wantPairs: 0},
		{name: "single question", turns: 1, wantPairs: 1},
		{name: "one exchange", turns: 2, wantPairs: 1},
		{name: "odd trailing question", turns: 5, wantPairs: 3},
		{name: "three exchanges", turns: 6, wantPairs: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turns := alternating(tt.turns)
			pairs := New(turns...).QAPairs()
			require.Len(t, pairs, tt.wantPairs)

			for i, p := range pairs {
				assert.Equal(t, turns[2*i].Content, p.Question)
				if 2*i+1 < len(turns) {
					assert.Equal(t, turns[2*i+1].Content, p.Answer)
				} else {
					assert.Empty(t, p.Answer)
				}
			}
		})
	}
}

func TestFromQAPairs(t *testing.T) {
	turns := FromQAPairs([]QAPair{{Question: "hi", Answer: "hello"}})
	require.Len(t, turns, 2)
	assert.Equal(t, SpeakerUser, turns[0].Speaker)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, SpeakerAssistant, turns[1].Speaker)
	assert.Equal(t, "hello", turns[1].Content)
	assert.Less(t, turns[0].ID, turns[1].ID)
}

func TestFromQAPairs_RoundTrip(t *testing.T) {
	pairs := []QAPair{
		{Question: "a", Answer: "b"},
		{Question: "c", Answer: ""},
	}
	assert.Equal(t, pairs, New(FromQAPairs(pairs)...).QAPairs())
}

func TestTranscript_AppendAndReplaceAll(t *testing.T) {
	tr := New()
	assert.Zero(t, tr.Len())

	tr.Append(NewTurn(SpeakerUser, "first"))
	tr.Append(NewTurn(SpeakerAssistant, "second"))
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, "second", tr.Turns()[1].Content)

	tr.ReplaceAll(alternating(4))
	assert.Equal(t, 4, tr.Len())
	assert.Equal(t, "turn-0", tr.Turns()[0].Content)
}

func TestTranscript_TurnsIsCopy(t *testing.T) {
	tr := New(NewTurn(SpeakerUser, "original"))
	turns := tr.Turns()
	turns[0].Content = "changed"
	assert.Equal(t, "original", tr.Turns()[0].Content)
}

func TestNewTurn_UniqueIDs(t *testing.T) {
	seen := make(map[int64]bool)
	var prev int64
	for range 1000 {
		turn := NewTurn(SpeakerUser, "x")
		assert.False(t, seen[turn.ID], "duplicate id %d", turn.ID)
		assert.Greater(t, turn.ID, prev)
		seen[turn.ID] = true
		prev = turn.ID
	}
}

func TestNewTurn_Timestamp(t *testing.T) {
	before := time.Now()
	turn := NewTurn(SpeakerAssistant, "x")
	assert.False(t, turn.CreatedAt.Before(before))
}

func TestSpeaker_Role(t *testing.T) {
	assert.Equal(t, "user", SpeakerUser.Role())
	assert.Equal(t, "assistant", SpeakerAssistant.Role())
	assert.Equal(t, "assistant", Speaker("Lamdam-AI").Role())
}
