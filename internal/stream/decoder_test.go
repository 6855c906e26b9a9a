package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(content string) string {
	return `data: {"id":"x","choices":[{"index":0,"delta":{"content":"` + content + `"}}]}`
}

type errRecorder struct {
	errs []*FrameDecodeError
}

func (r *errRecorder) record(err *FrameDecodeError) {
	r.errs = append(r.errs, err)
}

func TestDecoder_SingleLineFrames(t *testing.T) {
	d := NewDecoder(nil)

	events := d.Feed(frame("Hel") + "\n" + frame("lo") + "\n\n" + frame(" world") + "\n")
	require.Len(t, events, 3)

	want := []string{"Hel", "Hello", "Hello world"}
	for i, ev := range events {
		assert.Equal(t, EventDelta, ev.Kind)
		assert.Equal(t, want[i], ev.Text)
	}
	assert.Equal(t, " world", events[2].Delta)
	assert.False(t, d.Done())
}

func TestDecoder_DoneSentinel(t *testing.T) {
	d := NewDecoder(nil)

	events := d.Feed(frame("4") + "\n" + DoneSentinel + "\n" + frame("ignored") + "\n")
	require.Len(t, events, 2)
	assert.Equal(t, EventDelta, events[0].Kind)
	assert.Equal(t, EventDone, events[1].Kind)
	assert.Equal(t, "4", events[1].Text)
	assert.True(t, d.Done())

	assert.Empty(t, d.Feed(frame("more")))
	_, ok := d.Finish()
	assert.False(t, ok, "finish must not fire a second done event")
}

func TestDecoder_DoneSentinelWhileBuffering(t *testing.T) {
	d := NewDecoder(nil)

	assert.Empty(t, d.Feed(`data: {"choices":[{"delta":`))
	assert.True(t, d.InFrame())

	events := d.Feed("  data: [DONE]  ")
	require.Len(t, events, 1)
	assert.Equal(t, EventDone, events[0].Kind)
	assert.False(t, d.InFrame())
}

func TestDecoder_MultiLineFrame(t *testing.T) {
	rec := &errRecorder{}
	d := NewDecoder(rec.record)

	require.NotEmpty(t, d.Feed(frame("a")))

	lines := []string{
		`data: {"choices":[`,
		`{"delta":`,
		`{"content":`,
		`"bc"}}`,
	}
	for _, line := range lines {
		assert.Empty(t, d.Feed(line), "no delta before the frame is complete")
	}
	assert.True(t, d.InFrame())

	events := d.Feed(`]}`)
	require.Len(t, events, 1)
	assert.Equal(t, "abc", events[0].Text)
	assert.Equal(t, "bc", events[0].Delta)
	assert.False(t, d.InFrame())
	assert.Empty(t, rec.errs)
}

func TestDecoder_NewDataLineRestartsFrame(t *testing.T) {
	d := NewDecoder(nil)

	assert.Empty(t, d.Feed(`data: {"choices":[{"delta"`))
	events := d.Feed(frame("fresh"))
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].Text)
	assert.False(t, d.InFrame())
}

func TestDecoder_BareJSON(t *testing.T) {
	d := NewDecoder(nil)

	events := d.Feed(`{"choices":[{"delta":{"content":"bare"}}]}`)
	require.Len(t, events, 1)
	assert.Equal(t, "bare", events[0].Text)
}

func TestDecoder_InvalidLineIsSkipped(t *testing.T) {
	rec := &errRecorder{}
	d := NewDecoder(rec.record)

	events := d.Feed("garbage\n" + frame("ok") + "\n")
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Text)

	require.Len(t, rec.errs, 1)
	assert.Equal(t, "garbage", rec.errs[0].Line)
	assert.ErrorIs(t, rec.errs[0], ErrInvalidJSON)
}

func TestDecoder_FragmentsWithoutContent(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "no choices", line: `data: {"id":"1"}`},
		{name: "empty choices", line: `data: {"choices":[]}`},
		{name: "no content", line: `data: {"choices":[{"delta":{"role":"assistant"}}]}`},
		{name: "no delta", line: `data: {"choices":[{"finish_reason":"stop"}]}`},
		{name: "empty content", line: `data: {"choices":[{"delta":{"content":""}}]}`},
		{name: "null content", line: `data: {"choices":[{"delta":{"content":null}}]}`},
		{name: "bare scalar", line: `42`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &errRecorder{}
			d := NewDecoder(rec.record)
			assert.Empty(t, d.Feed(tt.line))
			assert.Empty(t, rec.errs)
			assert.False(t, d.InFrame())
		})
	}
}

func TestDecoder_FinishWithoutSentinel(t *testing.T) {
	rec := &errRecorder{}
	d := NewDecoder(rec.record)

	d.Feed(frame("partial") + "\n" + `data: {"choices":`)
	ev, ok := d.Finish()
	require.True(t, ok)
	assert.Equal(t, EventDone, ev.Kind)
	assert.Equal(t, "partial", ev.Text)

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], io.ErrUnexpectedEOF)
}

func TestDecoder_DecodeReader(t *testing.T) {
	body := frame("2") + "\n" + frame("+2") + "\n" + DoneSentinel + "\n"

	d := NewDecoder(nil)
	var events []Event
	// one byte per read splits every line across reads
	err := d.Decode(iotest.OneByteReader(strings.NewReader(body)), func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "2", events[0].Text)
	assert.Equal(t, "2+2", events[1].Text)
	assert.Equal(t, EventDone, events[2].Kind)
	assert.Equal(t, "2+2", events[2].Text)
}

func TestDecoder_DecodeReaderEOF(t *testing.T) {
	d := NewDecoder(nil)
	var events []Event
	err := d.Decode(strings.NewReader(frame("no newline at end")), func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventDone, events[1].Kind)
	assert.Equal(t, "no newline at end", events[1].Text)
}

func TestDecoder_DecodeReaderError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader(frame("x")+"\n"), iotest.ErrReader(boom))

	d := NewDecoder(nil)
	var kinds []EventKind
	err := d.Decode(r, func(ev Event) {
		kinds = append(kinds, ev.Kind)
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []EventKind{EventDelta}, kinds)
	assert.False(t, d.Done())
}

func TestDecoder_MonotonicText(t *testing.T) {
	d := NewDecoder(nil)
	var prev string
	for _, part := range []string{"a", "bb", "ccc", "dddd"} {
		events := d.Feed(frame(part))
		require.Len(t, events, 1)
		assert.True(t, strings.HasPrefix(events[0].Text, prev))
		assert.Equal(t, prev+part, events[0].Text)
		prev = events[0].Text
	}
}
