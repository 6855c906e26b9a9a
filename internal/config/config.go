// Package config loads the console configuration.
//
// Values come from built-in defaults, an optional TOML file
// (~/.lamdamchat/config.toml unless a path is given) and finally
// environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultBaseURL is the completion server used when no override is stored.
// Release builds set it with
// -ldflags "-X LamdamChat/internal/config.DefaultBaseURL=https://...".
var DefaultBaseURL = "http://localhost:8000"

const (
	// CompletionsPath is appended to the resolved base URL.
	CompletionsPath = "/v1/chat/completions"

	DefaultAssistantName = "Lamdam-AI"

	DefaultSystemMessage = "Kamu adalah asisten yang membantu menjawab pertanyaan seputar kitab-kitab pesantren. " +
		"Jawablah dengan sopan, ringkas, dan sertakan rujukan bila memungkinkan."
	DefaultPersonaPrompt = "Namamu adalah %s, sebuah kecerdasan buatan yang ditraining menggunakan kitab-kitab pesantren."
	DefaultPersonaReply  = "Terimakasih, nama saya adalah %s"

	configDirName  = ".lamdamchat"
	configFileName = "config.toml"
)

// Config holds application configuration
type Config struct {
	Debug bool `toml:"debug"`

	Endpoint  EndpointConfig  `toml:"endpoint"`
	Model     ModelConfig     `toml:"model"`
	Assistant AssistantConfig `toml:"assistant"`
	Session   SessionConfig   `toml:"session"`
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
}

// EndpointConfig locates the completion server.
type EndpointConfig struct {
	// BaseURL is used when the settings store holds no override.
	BaseURL string `toml:"base_url"`
}

// ModelConfig holds the fixed sampling parameters sent with every request.
type ModelConfig struct {
	Name             string  `toml:"name"`
	Temperature      float64 `toml:"temperature"`
	TopP             float64 `toml:"top_p"`
	N                int     `toml:"n"`
	MaxTokens        int     `toml:"max_tokens"`
	FrequencyPenalty float64 `toml:"frequency_penalty"`
}

// AssistantConfig shapes the persona preamble of every conversation.
type AssistantConfig struct {
	Name          string `toml:"name"`
	SystemMessage string `toml:"system_message"`
	// PersonaPrompt and PersonaReply take the assistant name as their only verb.
	PersonaPrompt string `toml:"persona_prompt"`
	PersonaReply  string `toml:"persona_reply"`
}

// SessionConfig controls the chat console.
type SessionConfig struct {
	// InitialMessage pre-fills the input of an empty console.
	InitialMessage string `toml:"initial_message"`
	// SettleDelayMillis is how long the buffer must stay unchanged before the
	// shared history is republished.
	SettleDelayMillis int `toml:"settle_delay_ms"`
}

// StorageConfig locates the settings database.
type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

// LoggingConfig controls the rotated log files.
type LoggingConfig struct {
	Dir        string `toml:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// SettleDelay returns the debounce delay of the history sync.
func (s SessionConfig) SettleDelay() time.Duration {
	return time.Duration(s.SettleDelayMillis) * time.Millisecond
}

// PersonaPromptText renders the persona prompt for the configured name.
func (a AssistantConfig) PersonaPromptText() string {
	return fmt.Sprintf(a.PersonaPrompt, a.Name)
}

// PersonaReplyText renders the persona reply for the configured name.
func (a AssistantConfig) PersonaReplyText() string {
	return fmt.Sprintf(a.PersonaReply, a.Name)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			BaseURL: DefaultBaseURL,
		},
		Model: ModelConfig{
			Name:             "llama-2",
			Temperature:      0.3,
			TopP:             0.1,
			N:                1,
			MaxTokens:        1024,
			FrequencyPenalty: 0.1,
		},
		Assistant: AssistantConfig{
			Name:          DefaultAssistantName,
			SystemMessage: DefaultSystemMessage,
			PersonaPrompt: DefaultPersonaPrompt,
			PersonaReply:  DefaultPersonaReply,
		},
		Session: SessionConfig{
			SettleDelayMillis: 1000,
		},
		Storage: StorageConfig{
			DBPath: "lamdamchat.db",
		},
		Logging: LoggingConfig{
			Dir:        "logs",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// ConfigPath returns the default location of the config file.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, configDirName, configFileName), nil
}

// Load builds the configuration. An explicit path must exist; without one the
// default location is read when present.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	} else if def, err := ConfigPath(); err == nil {
		if _, statErr := os.Stat(def); statErr == nil {
			if err := LoadFile(cfg, def); err != nil {
				return nil, err
			}
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile decodes a TOML file over cfg. Keys missing from the file keep
// their current values.
func LoadFile(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnvOverrides applies environment variables on top of the loaded values.
func (c *Config) ApplyEnvOverrides() {
	c.Endpoint.BaseURL = getEnv("KIAI_API_URL", c.Endpoint.BaseURL)
	c.Assistant.Name = getEnv("LAMDAM_INTERNAL_MODEL_NAME", c.Assistant.Name)
	c.Model.Name = getEnv("LAMDAM_MODEL", c.Model.Name)
	c.Session.SettleDelayMillis = getEnvInt("LAMDAM_SETTLE_DELAY_MS", c.Session.SettleDelayMillis)
	c.Session.InitialMessage = getEnv("LAMDAM_INITIAL_MESSAGE", c.Session.InitialMessage)
	c.Storage.DBPath = getEnv("LAMDAM_DB_PATH", c.Storage.DBPath)
	c.Logging.Dir = getEnv("LAMDAM_LOG_DIR", c.Logging.Dir)
	c.Debug = getEnvBool("LAMDAM_DEBUG", c.Debug)

	// an empty name falls back to the default rather than an anonymous assistant
	if strings.TrimSpace(c.Assistant.Name) == "" {
		c.Assistant.Name = DefaultAssistantName
	}
}

// Validate checks the configuration for values the server would reject.
func (c *Config) Validate() error {
	var errs []error

	if c.Endpoint.BaseURL == "" {
		errs = append(errs, errors.New("endpoint.base_url cannot be empty"))
	} else if _, err := ParseBaseURL(c.Endpoint.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("endpoint.base_url: %w", err))
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		errs = append(errs, errors.New("model.name cannot be empty"))
	}
	if c.Model.Temperature < 0 {
		errs = append(errs, errors.New("model.temperature must be >= 0"))
	}
	if c.Model.TopP < 0 || c.Model.TopP > 1 {
		errs = append(errs, errors.New("model.top_p must be within [0, 1]"))
	}
	if c.Model.N != 1 {
		errs = append(errs, errors.New("model.n must be 1"))
	}
	if c.Model.MaxTokens <= 0 {
		errs = append(errs, errors.New("model.max_tokens must be > 0"))
	}
	if err := checkNameTemplate(c.Assistant.PersonaPrompt); err != nil {
		errs = append(errs, fmt.Errorf("assistant.persona_prompt: %w", err))
	}
	if err := checkNameTemplate(c.Assistant.PersonaReply); err != nil {
		errs = append(errs, fmt.Errorf("assistant.persona_reply: %w", err))
	}
	if c.Session.SettleDelayMillis <= 0 {
		errs = append(errs, errors.New("session.settle_delay_ms must be > 0"))
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage.db_path cannot be empty"))
	}
	if c.Logging.Dir == "" {
		errs = append(errs, errors.New("logging.dir cannot be empty"))
	}
	return errors.Join(errs...)
}

// checkNameTemplate requires exactly one %s and no other verb; "%%" is a
// literal percent sign.
func checkNameTemplate(tpl string) error {
	rest := strings.ReplaceAll(tpl, "%%", "")
	if strings.Count(rest, "%") != 1 || strings.Count(rest, "%s") != 1 {
		return fmt.Errorf("template %q must contain exactly one %%s for the assistant name", tpl)
	}
	return nil
}

// ParseBaseURL checks that raw is an absolute http(s) URL.
func ParseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
