package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"LamdamChat/internal/completion"
	"LamdamChat/internal/config"
	"LamdamChat/internal/history"
	"LamdamChat/internal/session"
	"LamdamChat/internal/settings"
	"LamdamChat/internal/telemetry"
	"LamdamChat/internal/transcript"

	"github.com/charmbracelet/glamour"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/peterh/liner"
)

const historyFileName = "input_history"

var (
	userLabel      = color.New(color.FgCyan, color.Bold).SprintFunc()
	assistantLabel = color.New(color.FgMagenta, color.Bold).SprintFunc()
	dimText        = color.New(color.Faint).SprintFunc()
	errorText      = color.New(color.FgRed).SprintFunc()
)

// EndpointResolver reports the URL the next completion request goes to.
type EndpointResolver interface {
	Endpoint(ctx context.Context) string
}

// Options wires a ChatBot. Config, Sender, History and Settings are required.
// Endpoints defaults to Sender when it resolves endpoints itself, as
// *completion.Client does.
type Options struct {
	Config    *config.Config
	Logger    *slog.Logger
	Settings  *settings.Store
	Sender    session.Sender
	Endpoints EndpointResolver
	History   *history.Slot
	Out       io.Writer
}

// ChatBot is the interactive console around one chat session.
type ChatBot struct {
	session.NopView

	config    *config.Config
	logger    *slog.Logger
	settings  *settings.Store
	endpoints EndpointResolver
	shared    *history.Slot
	session   *session.Controller
	renderer  *glamour.TermRenderer

	outMu   sync.Mutex
	out     io.Writer
	printed int

	// exchangeDone receives once per finished exchange.
	exchangeDone chan struct{}
	cleanup      []func()
}

// NewChatBot creates a new ChatBot instance with logging, telemetry, the
// settings database and the completion client set up from cfg.
func NewChatBot(cfg *config.Config) (*ChatBot, error) {
	logger, logFile, err := telemetry.InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := settings.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		shutdown()
		return nil, fmt.Errorf("failed to initialize settings: %w", err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	client, err := completion.New(completion.Options{
		Config:    cfg,
		Endpoints: store,
		Logger:    logger,
		Tracer:    tracer,
		Meter:     meter,
	})
	if err != nil {
		store.Close()
		shutdown()
		return nil, fmt.Errorf("failed to initialize completion client: %w", err)
	}

	cb, err := New(Options{
		Config:   cfg,
		Logger:   logger,
		Settings: store,
		Sender:   client,
		History:  history.NewSlot(),
		Out:      os.Stdout,
	})
	if err != nil {
		store.Close()
		shutdown()
		return nil, err
	}
	cb.cleanup = append(cb.cleanup,
		func() {
			if err := store.Close(); err != nil {
				logger.Error("failed to close settings", "error", err)
			}
		},
		shutdown,
		func() { _ = logFile.Close() },
	)
	return cb, nil
}

// New creates a ChatBot from already constructed parts.
func New(opts Options) (*ChatBot, error) {
	if opts.Config == nil || opts.Sender == nil || opts.History == nil || opts.Settings == nil {
		return nil, errors.New("chatbot: config, sender, history and settings are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Endpoints == nil {
		resolver, ok := opts.Sender.(EndpointResolver)
		if !ok {
			return nil, errors.New("chatbot: endpoints are required when the sender does not resolve them")
		}
		opts.Endpoints = resolver
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}

	cb := &ChatBot{
		config:       opts.Config,
		logger:       opts.Logger,
		settings:     opts.Settings,
		endpoints:    opts.Endpoints,
		shared:       opts.History,
		renderer:     renderer,
		out:          opts.Out,
		exchangeDone: make(chan struct{}, 1),
	}

	cb.session, err = session.New(opts.Sender, opts.History,
		session.WithView(cb),
		session.WithLogger(opts.Logger),
		session.WithSettleDelay(opts.Config.Session.SettleDelay()),
		session.WithInitialMessage(opts.Config.Session.InitialMessage),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start chat session: %w", err)
	}
	return cb, nil
}

// Session returns the controller driving the console.
func (cb *ChatBot) Session() *session.Controller {
	return cb.session
}

// Close ends the session and releases everything NewChatBot opened.
func (cb *ChatBot) Close() error {
	err := cb.session.Close()
	for i := len(cb.cleanup) - 1; i >= 0; i-- {
		cb.cleanup[i]()
	}
	cb.cleanup = nil
	return err
}

// BufferChanged prints the part of the streamed answer not yet on screen.
func (cb *ChatBot) BufferChanged(text string) {
	cb.outMu.Lock()
	defer cb.outMu.Unlock()

	if text == "" {
		if cb.printed > 0 {
			fmt.Fprintln(cb.out)
			fmt.Fprintln(cb.out)
		}
		cb.printed = 0
		return
	}
	if cb.printed == 0 {
		fmt.Fprintf(cb.out, "%s: ", assistantLabel(cb.config.Assistant.Name))
	}
	// the assembled text only ever grows
	if len(text) > cb.printed {
		io.WriteString(cb.out, text[cb.printed:])
		cb.printed = len(text)
	}
}

// SendFailed reports a failed exchange.
func (cb *ChatBot) SendFailed(err error) {
	cb.printf("%s %v\n\n", errorText("Error:"), err)
}

// FocusInput releases the prompt once an exchange ended.
func (cb *ChatBot) FocusInput() {
	select {
	case cb.exchangeDone <- struct{}{}:
	default:
	}
}

func (cb *ChatBot) printf(format string, args ...any) {
	cb.outMu.Lock()
	defer cb.outMu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

func (cb *ChatBot) println(args ...any) {
	cb.outMu.Lock()
	defer cb.outMu.Unlock()
	fmt.Fprintln(cb.out, args...)
}

// send submits text and blocks until the answer has been committed or the
// request failed.
func (cb *ChatBot) send(ctx context.Context, text string) error {
	// drop a stale signal from an exchange that ended while nobody waited
	select {
	case <-cb.exchangeDone:
	default:
	}

	if err := cb.session.SubmitText(text); err != nil {
		return err
	}
	select {
	case <-cb.exchangeDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// renderTurn formats one committed turn. Blank turns render as "".
func (cb *ChatBot) renderTurn(turn transcript.Turn) string {
	content := strings.TrimSpace(turn.Content)
	if content == "" {
		return ""
	}

	label := userLabel("You")
	if turn.Speaker == transcript.SpeakerAssistant {
		label = assistantLabel(cb.config.Assistant.Name)
		if rendered, err := cb.renderer.Render(content); err == nil {
			content = strings.Trim(rendered, "\n")
		} else {
			cb.logger.Warn("failed to render markdown", "error", err)
		}
	}
	return fmt.Sprintf("%s %s\n%s\n", label, dimText(humanize.Time(turn.CreatedAt)), content)
}

func (cb *ChatBot) printTranscript() {
	turns := cb.session.Snapshot().Turns

	var b strings.Builder
	for _, turn := range turns {
		if s := cb.renderTurn(turn); s != "" {
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		cb.println(dimText("(no messages yet)"))
		return
	}
	cb.printf("%s", b.String())
}

// handleCommand handles special commands. It reports whether the console
// should exit.
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		if err := cb.session.Reset(); err != nil {
			return false, fmt.Errorf("failed to start a new conversation: %w", err)
		}
		cb.println("Started a new conversation")
		return false, nil

	case "/endpoint":
		return false, cb.handleEndpoint(ctx, parts[1:])

	case "/transcript":
		cb.printTranscript()
		return false, nil

	case "/history":
		data, err := json.MarshalIndent(cb.shared.Get(), "", "  ")
		if err != nil {
			return false, fmt.Errorf("failed to encode history: %w", err)
		}
		cb.println(string(data))
		return false, nil

	case "/load":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /load <file.json>")
		}
		pairs, err := readPairs(parts[1])
		if err != nil {
			return false, err
		}
		if len(pairs) == 0 {
			return false, fmt.Errorf("%s holds no question/answer pairs", parts[1])
		}
		// published as an outside writer so the session hydrates from it
		cb.shared.Set(uuid.Nil, pairs)
		cb.printf("Loaded %d question/answer pairs from %s\n", len(pairs), parts[1])
		return false, nil

	case "/save":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /save <file.json>")
		}
		snap := cb.session.Snapshot()
		data, err := json.MarshalIndent(transcript.New(snap.Turns...).QAPairs(), "", "  ")
		if err != nil {
			return false, fmt.Errorf("failed to encode history: %w", err)
		}
		if err := os.WriteFile(parts[1], data, 0644); err != nil {
			return false, fmt.Errorf("failed to save history: %w", err)
		}
		cb.printf("Saved conversation to %s\n", parts[1])
		return false, nil

	case "/help":
		cb.println("Available commands:")
		cb.println("  /quit, /exit           - Exit the console")
		cb.println("  /new                   - Start a new conversation")
		cb.println("  /transcript            - Show the conversation")
		cb.println("  /history               - Print the shared history as JSON")
		cb.println("  /load <file.json>      - Replace the conversation with saved pairs")
		cb.println("  /save <file.json>      - Save the conversation as question/answer pairs")
		cb.println("  /endpoint              - Show the completion endpoint")
		cb.println("  /endpoint <url>        - Use another completion server")
		cb.println("  /endpoint reset        - Go back to the default server")
		cb.println("  /help                  - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s, type /help for commands", parts[0])
	}
}

func (cb *ChatBot) handleEndpoint(ctx context.Context, args []string) error {
	switch {
	case len(args) == 0:
		source := "default"
		if cb.settings.EndpointOverride(ctx) != "" {
			source = "override"
		}
		cb.printf("Endpoint: %s (%s)\n", cb.endpoint(ctx), source)
		return nil

	case args[0] == "reset":
		if err := cb.settings.Delete(ctx, settings.KeyEndpointOverride); err != nil {
			return fmt.Errorf("failed to reset endpoint: %w", err)
		}
		cb.printf("Endpoint: %s (default)\n", cb.endpoint(ctx))
		return nil

	default:
		u, err := config.ParseBaseURL(args[0])
		if err != nil {
			return fmt.Errorf("invalid endpoint %q: %w", args[0], err)
		}
		if err := cb.settings.Set(ctx, settings.KeyEndpointOverride, u.String()); err != nil {
			return fmt.Errorf("failed to store endpoint: %w", err)
		}
		cb.logger.Info("endpoint override stored", "endpoint", u.String())
		cb.printf("Endpoint: %s (override)\n", cb.endpoint(ctx))
		return nil
	}
}

func (cb *ChatBot) endpoint(ctx context.Context) string {
	return cb.endpoints.Endpoint(ctx)
}

func readPairs(path string) ([]transcript.QAPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var pairs []transcript.QAPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return pairs, nil
}

// greeting is the persona introduction shown when the console opens.
func (cb *ChatBot) greeting() string {
	return fmt.Sprintf("%s: %s", assistantLabel(cb.config.Assistant.Name), cb.config.Assistant.PersonaReplyText())
}

// Run starts the interactive console and returns once the user quits.
func (cb *ChatBot) Run() error {
	defer cb.Close()

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	historyFile := inputHistoryPath()
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		saveInputHistory(line, historyFile)
		line.Close()
	}()

	ctx := context.Background()

	cb.println("=== LamdamChat ===")
	cb.printf("Endpoint: %s\n", cb.endpoint(ctx))
	cb.println("Type /help for commands, /quit to exit")
	cb.println()
	cb.println(cb.greeting())
	cb.println()
	if len(cb.session.Snapshot().Turns) > 0 {
		cb.printTranscript()
	}

	for {
		snap := cb.session.Snapshot()
		input, err := line.PromptWithSuggestion("You: ", snap.Input, -1)
		if err != nil {
			if !errors.Is(err, liner.ErrPromptAborted) && !errors.Is(err, io.EOF) {
				cb.logger.Error("failed to read input", "error", err)
			}
			cb.println()
			break
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}

		if strings.HasPrefix(strings.TrimSpace(input), "/") {
			cb.session.SetInput("")
			shouldQuit, err := cb.handleCommand(ctx, strings.TrimSpace(input))
			if err != nil {
				cb.printf("%s %v\n", errorText("Error:"), err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := cb.send(ctx, input); err != nil {
			if errors.Is(err, session.ErrEmptyInput) {
				continue
			}
			cb.printf("%s %v\n", errorText("Error:"), err)
		}
	}

	cb.println("Goodbye!")
	return nil
}

func inputHistoryPath() string {
	path, err := config.ConfigPath()
	if err != nil {
		return filepath.Join(os.TempDir(), "lamdamchat_"+historyFileName)
	}
	return filepath.Join(filepath.Dir(path), historyFileName)
}

func saveInputHistory(line *liner.State, path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	line.WriteHistory(f)
}
