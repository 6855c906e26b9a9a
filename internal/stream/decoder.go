// Package stream decodes chunked chat-completion responses into content deltas.
//
// Servers answer with newline separated lines. A line is either a
// server-sent-event frame ("data: {...}"), the continuation of a frame whose
// JSON did not fit on one line, or a bare JSON fragment. The literal frame
// "data: [DONE]" ends the stream.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	// DataPrefix starts every server-sent-event data frame.
	DataPrefix = "data: "
	// DoneSentinel is the terminal frame.
	DoneSentinel = "data: [DONE]"

	contentPath = "choices.0.delta.content"
)

// ErrInvalidJSON is wrapped by FrameDecodeError when a line is not JSON.
var ErrInvalidJSON = errors.New("invalid json fragment")

// FrameDecodeError reports a line that could not be decoded and was skipped.
// It never ends the stream.
type FrameDecodeError struct {
	Line string
	Err  error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("cannot decode frame %q: %v", e.Line, e.Err)
}

func (e *FrameDecodeError) Unwrap() error {
	return e.Err
}

// EventKind distinguishes incremental deltas from the final event.
type EventKind int

const (
	EventDelta EventKind = iota
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event carries the text assembled so far.
type Event struct {
	Kind EventKind
	Text string
	// Delta is the content added by this event; empty for EventDone.
	Delta string
}

// Decoder holds the state of one response stream. It is created per request
// and must not be shared between streams.
type Decoder struct {
	assembled strings.Builder
	pending   string
	inFrame   bool
	done      bool
	onError   func(*FrameDecodeError)
}

// NewDecoder creates a decoder. onError, when not nil, receives every line
// that was skipped because it could not be decoded.
func NewDecoder(onError func(*FrameDecodeError)) *Decoder {
	return &Decoder{onError: onError}
}

// Text returns the content assembled so far.
func (d *Decoder) Text() string {
	return d.assembled.String()
}

// Done reports whether the final event was emitted.
func (d *Decoder) Done() bool {
	return d.done
}

// InFrame reports whether a multi-line frame is being buffered.
func (d *Decoder) InFrame() bool {
	return d.inFrame
}

// Feed splits a text chunk into lines and decodes them in order. Lines after
// the final event are ignored.
func (d *Decoder) Feed(chunk string) []Event {
	var events []Event
	for _, line := range strings.Split(chunk, "\n") {
		if d.done {
			break
		}
		if ev, ok := d.DecodeLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// DecodeLine decodes a single line. It returns an event when the line added
// content or ended the stream.
func (d *Decoder) DecodeLine(line string) (Event, bool) {
	if d.done {
		return Event{}, false
	}

	v := strings.TrimSpace(line)
	switch {
	case v == "":
		return Event{}, false

	case v == DoneSentinel:
		return d.finish(), true

	case strings.HasPrefix(v, DataPrefix):
		raw := strings.TrimPrefix(v, DataPrefix)
		if !gjson.Valid(raw) {
			// the fragment continues on the following lines
			d.inFrame = true
			d.pending = raw
			return Event{}, false
		}
		d.inFrame = false
		d.pending = ""
		return d.apply(raw)

	case d.inFrame:
		d.pending += v
		if !gjson.Valid(d.pending) {
			return Event{}, false
		}
		raw := d.pending
		d.inFrame = false
		d.pending = ""
		return d.apply(raw)

	default:
		if !gjson.Valid(v) {
			d.reportError(v, ErrInvalidJSON)
			return Event{}, false
		}
		return d.apply(v)
	}
}

// Finish ends the stream when the body closed without the sentinel. It
// returns false if the final event was already emitted.
func (d *Decoder) Finish() (Event, bool) {
	if d.done {
		return Event{}, false
	}
	if d.inFrame {
		d.reportError(d.pending, io.ErrUnexpectedEOF)
		d.inFrame = false
		d.pending = ""
	}
	return d.finish(), true
}

// Decode reads r line by line until the sentinel or EOF and hands each event
// to emit. Lines split across network reads are reassembled before decoding.
// The returned error is a read error from r; decode errors never end the loop.
func (d *Decoder) Decode(r io.Reader, emit func(Event)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if ev, ok := d.DecodeLine(line); ok {
				emit(ev)
			}
			if d.done {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if ev, ok := d.Finish(); ok {
					emit(ev)
				}
				return nil
			}
			return err
		}
	}
}

func (d *Decoder) apply(raw string) (Event, bool) {
	content := gjson.Get(raw, contentPath)
	if content.Type != gjson.String || content.Str == "" {
		return Event{}, false
	}
	d.assembled.WriteString(content.Str)
	return Event{Kind: EventDelta, Text: d.assembled.String(), Delta: content.Str}, true
}

func (d *Decoder) finish() Event {
	d.done = true
	d.inFrame = false
	d.pending = ""
	return Event{Kind: EventDone, Text: d.assembled.String()}
}

func (d *Decoder) reportError(line string, err error) {
	if d.onError != nil {
		d.onError(&FrameDecodeError{Line: line, Err: err})
	}
}
