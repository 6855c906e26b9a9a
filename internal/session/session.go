// Package session drives one chat console: it sends the user's turns,
// follows the streamed answer and keeps the shared history in sync with the
// committed transcript.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"LamdamChat/internal/completion"
	"LamdamChat/internal/history"
	"LamdamChat/internal/transcript"

	"github.com/fogfish/opts"
	"github.com/google/uuid"
)

var (
	// ErrEmptyInput rejects a submit of blank input. No state changes.
	ErrEmptyInput = errors.New("input is empty")
	// ErrSendInFlight rejects a submit while a request is outstanding. No state changes.
	ErrSendInFlight = errors.New("a completion request is already in flight")
	// ErrClosed is returned once the controller was closed.
	ErrClosed = errors.New("session is closed")
)

// DefaultSettleDelay is the quiet period before the history is republished.
const DefaultSettleDelay = time.Second

// State is the lifecycle of one exchange.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sender streams a completion for text. See completion.Client.Send.
type Sender interface {
	Send(ctx context.Context, text string, history []transcript.Turn, onData completion.DataFunc) error
}

// HistoryChannel is the shared question/answer history.
type HistoryChannel interface {
	Current() history.Update
	Set(source uuid.UUID, pairs []transcript.QAPair)
	Subscribe() (<-chan history.Update, func())
}

// View receives presentation side effects. Methods are called without any
// controller lock held, so they may call back into the controller.
type View interface {
	// BufferChanged shows the in-progress answer; "" removes it.
	BufferChanged(text string)
	TranscriptChanged(turns []transcript.Turn)
	InputChanged(text string)
	SendFailed(err error)
	ScrollToBottom()
	// FocusInput is called once per exchange, after it was committed or failed.
	FocusInput()
}

// NopView ignores every side effect. Embed it to implement part of View.
type NopView struct{}

func (NopView) BufferChanged(string)                {}
func (NopView) TranscriptChanged([]transcript.Turn) {}
func (NopView) InputChanged(string)                 {}
func (NopView) SendFailed(error)                    {}
func (NopView) ScrollToBottom()                     {}
func (NopView) FocusInput()                         {}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	State  State
	Input  string
	Buffer string
	Turns  []transcript.Turn
	// InputEnabled is false from submit until the first delta of the answer.
	InputEnabled bool
}

// Controller owns the transcript and the live buffer of one console.
type Controller struct {
	id     uuid.UUID
	sender Sender
	shared HistoryChannel

	guard          *Guard
	view           View
	logger         *slog.Logger
	settleDelay    time.Duration
	initialMessage string

	ctx       context.Context
	cancel    context.CancelFunc
	publisher *Debouncer
	unsub     func()
	wg        sync.WaitGroup

	mu             sync.Mutex
	state          State
	transcript     *transcript.Transcript
	input          string
	buffer         string
	pendingHistory []transcript.QAPair
	hasPending     bool
	exchange       uint64
	closed         bool
	// receiving is set by the first delta of the current exchange.
	receiving bool
	// seenVersion is the history version the transcript was last built from.
	seenVersion uint64
}

var (
	// WithSettleDelay sets the debounce delay of the history sync.
	WithSettleDelay = opts.ForName[Controller, time.Duration]("settleDelay")
	// WithInitialMessage pre-fills the input of an empty console.
	WithInitialMessage = opts.ForName[Controller, string]("initialMessage")
)

// WithGuard shares an in-flight guard between controllers.
func WithGuard(g *Guard) opts.Option[Controller] {
	return opts.Type[Controller](func(c *Controller) error {
		if g == nil {
			return errors.New("guard cannot be nil")
		}
		c.guard = g
		return nil
	})
}

// WithView attaches the presentation layer.
func WithView(v View) opts.Option[Controller] {
	return opts.Type[Controller](func(c *Controller) error {
		c.view = v
		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) opts.Option[Controller] {
	return opts.Type[Controller](func(c *Controller) error {
		c.logger = l
		return nil
	})
}

// New creates a controller bound to the shared history. It hydrates from the
// history's current value and follows later updates until Close.
func New(sender Sender, shared HistoryChannel, options ...opts.Option[Controller]) (*Controller, error) {
	if sender == nil {
		return nil, errors.New("session: sender is required")
	}
	if shared == nil {
		return nil, errors.New("session: history channel is required")
	}

	c := &Controller{
		id:          uuid.New(),
		sender:      sender,
		shared:      shared,
		settleDelay: DefaultSettleDelay,
		transcript:  transcript.New(),
	}
	if err := opts.Apply(c, options); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if c.guard == nil {
		c.guard = &Guard{}
	}
	if c.view == nil {
		c.view = NopView{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.settleDelay <= 0 {
		return nil, fmt.Errorf("session: settle delay must be positive, got %s", c.settleDelay)
	}
	c.logger = c.logger.With("session_id", c.id.String())
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.publisher = NewDebouncer(c.settleDelay)

	// subscribe before reading the current value so no update falls in between
	updates, unsub := shared.Subscribe()
	c.unsub = unsub

	cur := shared.Current()
	c.seenVersion = cur.Version
	if len(cur.Pairs) > 0 {
		c.hydrateLocked(cur.Pairs)
	}
	if c.initialMessage != "" && c.transcript.Len() == 0 {
		c.input = c.initialMessage
	}

	c.wg.Add(1)
	go c.follow(updates)

	c.logger.Info("chat session started", "turns", c.transcript.Len())
	return c, nil
}

// ID identifies the controller as a history writer.
func (c *Controller) ID() uuid.UUID {
	return c.id
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:        c.state,
		Input:        c.input,
		Buffer:       c.buffer,
		Turns:        c.transcript.Turns(),
		InputEnabled: c.state == StateIdle || c.receiving,
	}
}

// SetInput replaces the input field.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	c.input = text
	c.mu.Unlock()
}

// Submit sends the input field as a new user turn. It returns ErrEmptyInput
// or ErrSendInFlight, without changing any state, when the send is rejected.
// The answer streams in asynchronously.
func (c *Controller) Submit() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	text := c.input
	if strings.TrimSpace(text) == "" {
		c.mu.Unlock()
		return ErrEmptyInput
	}
	if c.state != StateIdle || !c.guard.tryAcquire() {
		c.mu.Unlock()
		return ErrSendInFlight
	}

	c.state = StateSending
	c.receiving = false
	c.exchange++
	exchange := c.exchange
	c.transcript.Append(transcript.NewTurn(transcript.SpeakerUser, text))
	turns := c.transcript.Turns()
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("sending chat message", "turns", len(turns))
	c.view.TranscriptChanged(turns)

	go func() {
		defer c.wg.Done()
		c.dispatched(exchange)
		err := c.sender.Send(c.ctx, strings.TrimSpace(text), turns, func(assembled string, done bool) {
			c.onData(exchange, assembled, done)
		})
		if err != nil {
			c.onError(exchange, err)
		}
	}()
	return nil
}

// SubmitText sets the input field and submits it.
func (c *Controller) SubmitText(text string) error {
	c.SetInput(text)
	return c.Submit()
}

// Hydrate replaces the transcript with the given pairs, as when another
// conversation is selected. Empty pairs are ignored. While a request is in
// flight the pairs are kept and applied once the exchange ends.
func (c *Controller) Hydrate(pairs []transcript.QAPair) {
	c.mu.Lock()
	if len(pairs) == 0 {
		c.mu.Unlock()
		return
	}
	if c.state != StateIdle {
		c.pendingHistory = pairs
		c.hasPending = true
		c.mu.Unlock()
		c.logger.Debug("deferring history hydration until the exchange ends")
		return
	}
	c.hydrateLocked(pairs)
	turns := c.transcript.Turns()
	c.mu.Unlock()

	c.view.TranscriptChanged(turns)
	c.view.ScrollToBottom()
}

// Reset starts an empty conversation and publishes it. It is rejected while
// a request is in flight.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	c.transcript.ReplaceAll(nil)
	c.buffer = ""
	c.mu.Unlock()

	c.view.TranscriptChanged(nil)
	c.view.BufferChanged("")
	c.shared.Set(c.id, nil)
	return nil
}

// Close stops following the shared history, cancels a pending history
// publish and tears down an in-flight request.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.publisher.Stop()
	c.unsub()
	c.cancel()
	c.wg.Wait()

	c.logger.Info("chat session closed")
	return nil
}

func (c *Controller) onData(exchange uint64, text string, done bool) {
	c.mu.Lock()
	if exchange != c.exchange || c.state == StateIdle {
		c.mu.Unlock()
		return
	}

	if !done {
		if !c.receiving {
			c.receiving = true
			// the input re-enables on the first delta; the exchange stays open
			c.guard.release()
		}
		c.buffer = text
		closed := c.closed
		c.mu.Unlock()

		c.schedulePublish()
		if !closed {
			c.view.BufferChanged(text)
			c.view.ScrollToBottom()
		}
		return
	}

	c.transcript.Append(transcript.NewTurn(transcript.SpeakerAssistant, text))
	c.input = ""
	c.buffer = ""
	c.finishLocked()
	turns := c.transcript.Turns()
	closed := c.closed
	c.mu.Unlock()

	c.logger.Debug("assistant turn committed", "chars", len(text), "turns", len(turns))
	c.schedulePublish()
	if closed {
		return
	}
	c.view.TranscriptChanged(turns)
	c.view.BufferChanged("")
	c.view.InputChanged("")
	c.view.FocusInput()
	c.view.ScrollToBottom()
}

func (c *Controller) onError(exchange uint64, err error) {
	c.mu.Lock()
	if exchange != c.exchange || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	hadBuffer := c.buffer != ""
	// a partial answer is discarded, the user turn stays
	c.buffer = ""
	c.finishLocked()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	c.logger.Error("chat message failed", "error", err, "partial_discarded", hadBuffer)
	c.schedulePublish()
	c.view.BufferChanged("")
	c.view.SendFailed(err)
	c.view.FocusInput()
}

// dispatched moves the exchange to Streaming once its request is handed to
// the sender.
func (c *Controller) dispatched(exchange uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exchange == c.exchange && c.state == StateSending {
		c.state = StateStreaming
	}
}

// finishLocked returns to Idle and applies a deferred hydration.
func (c *Controller) finishLocked() {
	c.state = StateIdle
	c.guard.release()
	if c.hasPending {
		c.hydrateLocked(c.pendingHistory)
		c.pendingHistory = nil
		c.hasPending = false
	}
}

func (c *Controller) hydrateLocked(pairs []transcript.QAPair) {
	c.transcript.ReplaceAll(transcript.FromQAPairs(pairs))
	c.logger.Debug("transcript hydrated from shared history", "pairs", len(pairs))
}

func (c *Controller) schedulePublish() {
	c.publisher.Schedule(c.publishHistory)
}

// publishHistory writes the committed transcript, never the live buffer, to
// the shared history.
func (c *Controller) publishHistory() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	pairs := c.transcript.QAPairs()
	c.mu.Unlock()

	c.shared.Set(c.id, pairs)
	c.view.ScrollToBottom()
}

// follow hydrates from history updates written by anyone but this controller.
func (c *Controller) follow(updates <-chan history.Update) {
	defer c.wg.Done()
	for u := range updates {
		if u.Source == c.id || !c.observe(u.Version) {
			continue
		}
		c.Hydrate(u.Pairs)
	}
}

// observe records version and reports whether it is newer than anything
// already applied.
func (c *Controller) observe(version uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version <= c.seenVersion {
		return false
	}
	c.seenVersion = version
	return true
}
