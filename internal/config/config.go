// Package config loads ~/.mom/config.toml, applies environment overrides
// and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/agent-mom/internal/decide"
	"github.com/asheshgoplani/agent-mom/internal/logging"
	"github.com/asheshgoplani/agent-mom/internal/watcher"
)

// FileName is the config file inside Dir().
const FileName = "config.toml"

// Duration is a time.Duration written as a string ("800ms", "10s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// WatcherSettings is the [watcher] section.
type WatcherSettings struct {
	PollInterval      Duration `toml:"poll_interval"`
	DefaultWait       Duration `toml:"default_wait"`
	IdleThreshold     Duration `toml:"idle_threshold"`
	IdlePollInterval  Duration `toml:"idle_poll_interval"`
	MaxTranscript     int      `toml:"max_transcript"`
	TailLines         int      `toml:"tail_lines"`
	PromptTailEntries int      `toml:"prompt_tail_entries"`
	EntryTextBudget   int      `toml:"entry_text_budget"`
	InjectPressEnter  bool     `toml:"inject_press_enter"`
	QueueSize         int      `toml:"queue_size"`
}

// DecisionSettings is the [decision] section.
type DecisionSettings struct {
	Mode              string   `toml:"mode"`
	BaseURL           string   `toml:"base_url"`
	Model             string   `toml:"model"`
	APIKeyEnv         string   `toml:"api_key_env"`
	Timeout           Duration `toml:"timeout"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	ModelContextChars int      `toml:"model_context_chars"`
}

// ServerSettings is the [server] section.
type ServerSettings struct {
	Listen string `toml:"listen"`
	Token  string `toml:"token"`
}

// LogSettings is the [logs] section.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Config is the whole file.
type Config struct {
	Watcher  WatcherSettings  `toml:"watcher"`
	Decision DecisionSettings `toml:"decision"`
	Server   ServerSettings   `toml:"server"`
	Logs     LogSettings      `toml:"logs"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Watcher: WatcherSettings{
			PollInterval:      Duration{800 * time.Millisecond},
			DefaultWait:       Duration{10 * time.Second},
			IdleThreshold:     Duration{3 * time.Second},
			IdlePollInterval:  Duration{200 * time.Millisecond},
			MaxTranscript:     200,
			TailLines:         160,
			PromptTailEntries: 20,
			EntryTextBudget:   200,
			InjectPressEnter:  true,
			QueueSize:         32,
		},
		Decision: DecisionSettings{
			Mode:              string(decide.ModeAssessment),
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o",
			APIKeyEnv:         "OPENAI_API_KEY",
			Timeout:           Duration{60 * time.Second},
			RequestsPerMinute: 30,
			ModelContextChars: 128000,
		},
		Server: ServerSettings{
			Listen: "127.0.0.1:8765",
		},
		Logs: LogSettings{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  5,
			MaxBackups: 3,
			MaxAgeDays: 10,
			Compress:   true,
		},
	}
}

// Dir returns the mom home directory: $MOM_HOME or ~/.mom.
func Dir() (string, error) {
	if d := os.Getenv("MOM_HOME"); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".mom"), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Default(), fmt.Errorf("config.toml parse error: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads Path().
func LoadDefault() (*Config, error) {
	p, err := Path()
	if err != nil {
		return nil, err
	}
	return Load(p)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("MOM_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := getenv("MOM_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := getenv("MOM_MODEL"); v != "" {
		c.Decision.Model = v
	}
	if v := getenv("MOM_DECISION_MODE"); v != "" {
		c.Decision.Mode = v
	}
	if v := getenv("MOM_LOG_LEVEL"); v != "" {
		c.Logs.Level = v
	}
	if v := getenv("MOM_IDLE_THRESHOLD"); v != "" {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("MOM_IDLE_THRESHOLD: %w", err)
		}
		c.Watcher.IdleThreshold = Duration{d}
	}
	if v := getenv("MOM_DEFAULT_WAIT"); v != "" {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("MOM_DEFAULT_WAIT: %w", err)
		}
		c.Watcher.DefaultWait = Duration{d}
	}
	return nil
}

// parseSecondsOrDuration accepts "2.5" (seconds) or "2500ms".
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// Validate checks values that would make the daemon misbehave.
func (c *Config) Validate() error {
	if _, err := decide.ParseMode(c.Decision.Mode); err != nil {
		return err
	}
	if c.Server.Listen == "" {
		return errors.New("server.listen must not be empty")
	}
	if c.Watcher.IdleThreshold.Duration < 0 || c.Watcher.DefaultWait.Duration < 0 {
		return errors.New("watcher durations must not be negative")
	}
	return nil
}

// WatcherOptions maps [watcher] and the decision context size onto
// watcher.Options.
func (c *Config) WatcherOptions() watcher.Options {
	mode, _ := decide.ParseMode(c.Decision.Mode)
	return watcher.Options{
		PollInterval:      c.Watcher.PollInterval.Duration,
		IdleThreshold:     c.Watcher.IdleThreshold.Duration,
		IdlePollInterval:  c.Watcher.IdlePollInterval.Duration,
		MaxTranscript:     c.Watcher.MaxTranscript,
		TailLines:         c.Watcher.TailLines,
		PromptTailEntries: c.Watcher.PromptTailEntries,
		EntryTextBudget:   c.Watcher.EntryTextBudget,
		TranscriptBudget:  decide.TranscriptBudget(c.Decision.ModelContextChars, mode.Instructions()),
		DefaultWait:       c.Watcher.DefaultWait.Duration,
		PressEnter:        c.Watcher.InjectPressEnter,
		QueueSize:         c.Watcher.QueueSize,
	}
}

// ClientConfig maps [decision] onto the chat client.
func (c *Config) ClientConfig() decide.ClientConfig {
	return decide.ClientConfig{
		BaseURL:           c.Decision.BaseURL,
		Model:             c.Decision.Model,
		APIKeyEnv:         c.Decision.APIKeyEnv,
		Timeout:           c.Decision.Timeout.Duration,
		RequestsPerMinute: c.Decision.RequestsPerMinute,
	}
}

// LoggingConfig maps [logs] onto logging.Config writing under dir.
func (c *Config) LoggingConfig(dir string) logging.Config {
	return logging.Config{
		LogDir:     dir,
		Level:      c.Logs.Level,
		Format:     c.Logs.Format,
		MaxSizeMB:  c.Logs.MaxSizeMB,
		MaxBackups: c.Logs.MaxBackups,
		MaxAgeDays: c.Logs.MaxAgeDays,
		Compress:   c.Logs.Compress,
	}
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
