// Package completion sends conversations to an OpenAI-compatible chat
// completion endpoint and streams the answer back.
package completion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"LamdamChat/internal/backend"
	"LamdamChat/internal/config"
	"LamdamChat/internal/stream"
	"LamdamChat/internal/transcript"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "LamdamChat/internal/completion"

// maxErrorBody bounds how much of an error response is kept in the error.
const maxErrorBody = 4 << 10

// DataFunc receives the assembled text. done is false for every delta and
// true exactly once, for the final text.
type DataFunc func(text string, done bool)

// EndpointResolver supplies a user chosen base URL that takes precedence
// over the configured default. An empty string means no override.
type EndpointResolver interface {
	EndpointOverride(ctx context.Context) string
}

// TransportError reports a failed request or an interrupted response body.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Options configures a Client. Only Config is required.
type Options struct {
	Config     *config.Config
	HTTPClient *http.Client
	Endpoints  EndpointResolver
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
}

// Client issues streaming chat completion requests.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	endpoints  EndpointResolver
	logger     *slog.Logger
	tracer     trace.Tracer

	duration     metric.Float64Histogram
	deltas       metric.Int64Counter
	decodeErrors metric.Int64Counter
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("completion: config is required")
	}

	c := &Client{
		cfg:        opts.Config,
		httpClient: opts.HTTPClient,
		endpoints:  opts.Endpoints,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
	}
	if c.httpClient == nil {
		// no overall timeout: a stream lasts as long as the model keeps talking
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(instrumentationName)
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	var err error
	c.duration, err = meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Completion request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	c.deltas, err = meter.Int64Counter(
		"chat.stream.deltas",
		metric.WithDescription("Content deltas received from the completion stream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delta counter: %w", err)
	}
	c.decodeErrors, err = meter.Int64Counter(
		"chat.stream.decode_errors",
		metric.WithDescription("Stream lines skipped because they could not be decoded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decode error counter: %w", err)
	}

	return c, nil
}

// Endpoint resolves the completion URL for the next request.
func (c *Client) Endpoint(ctx context.Context) string {
	base := c.cfg.Endpoint.BaseURL
	if c.endpoints != nil {
		if override := c.endpoints.EndpointOverride(ctx); override != "" {
			base = override
		}
	}
	return strings.TrimRight(base, "/") + config.CompletionsPath
}

// BuildMessages lays out the outbound conversation: the system instruction,
// the persona greeting pair, then history in order. history is expected to
// already end with the new user turn; that tail is replaced by text so the
// request always ends with the exact user input.
func (c *Client) BuildMessages(text string, history []transcript.Turn) []backend.ChatMessage {
	a := c.cfg.Assistant
	messages := make([]backend.ChatMessage, 0, len(history)+4)
	messages = append(messages,
		backend.ChatMessage{Role: "system", Content: a.SystemMessage},
		backend.ChatMessage{Role: "user", Content: a.PersonaPromptText()},
		backend.ChatMessage{Role: "assistant", Content: a.PersonaReplyText()},
	)

	for _, turn := range history {
		messages = append(messages, backend.ChatMessage{
			Role:    turn.Speaker.Role(),
			Content: turn.Content,
		})
	}
	if len(history) > 0 {
		messages = messages[:len(messages)-1]
	}

	return append(messages, backend.ChatMessage{Role: "user", Content: text})
}

// BuildRequest assembles the request body with the configured sampling parameters.
func (c *Client) BuildRequest(text string, history []transcript.Turn) backend.ChatCompletionRequest {
	m := c.cfg.Model
	return backend.ChatCompletionRequest{
		Model:            m.Name,
		Messages:         c.BuildMessages(text, history),
		Temperature:      m.Temperature,
		TopP:             m.TopP,
		N:                m.N,
		MaxTokens:        m.MaxTokens,
		FrequencyPenalty: m.FrequencyPenalty,
		Stream:           true,
	}
}

// Send streams a completion for text. onData is invoked for every content
// delta and once with done=true when the server sends the sentinel or closes
// the stream. Send blocks until the stream ends. A *TransportError is
// returned when the request fails or the body breaks off; onData is then
// never called with done=true.
func (c *Client) Send(ctx context.Context, text string, history []transcript.Turn, onData DataFunc) error {
	url := c.Endpoint(ctx)
	reqBody := c.BuildRequest(text, history)

	ctx, span := c.tracer.Start(ctx, "chat_completion_stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.url", url),
			attribute.String("llm.model", reqBody.Model),
			attribute.Int("llm.messages", len(reqBody.Messages)),
		),
	)
	defer span.End()

	start := time.Now()
	err := c.send(ctx, url, reqBody, onData)
	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Bool("error", err != nil)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("completion request failed", "endpoint", url, "error", err)
		return err
	}
	return nil
}

func (c *Client) send(ctx context.Context, url string, reqBody backend.ChatCompletionRequest, onData DataFunc) error {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return &TransportError{Op: "create request", URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	c.logger.Debug("sending completion request", "endpoint", url, "messages", len(reqBody.Messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "send request", URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &TransportError{
			Op:         "send request",
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}

	dec := stream.NewDecoder(func(derr *stream.FrameDecodeError) {
		c.decodeErrors.Add(ctx, 1)
		c.logger.Warn("skipping undecodable stream line", "line", derr.Line, "error", derr.Err)
	})

	var deltas int
	err = dec.Decode(resp.Body, func(ev stream.Event) {
		switch ev.Kind {
		case stream.EventDelta:
			deltas++
			c.deltas.Add(ctx, 1)
			onData(ev.Text, false)
		case stream.EventDone:
			c.logger.Debug("completion stream finished", "deltas", deltas, "chars", len(ev.Text))
			onData(ev.Text, true)
		}
	})
	if err != nil {
		return &TransportError{Op: "read response", URL: url, Err: err}
	}
	return nil
}
