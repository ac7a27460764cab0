// Package config builds the process configuration from flags, environment
// variables and an optional .env file. It is constructed once at start and
// passed down; nothing below cmd/ reads the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
)

// EnvPrefix is prepended to the upper-cased flag name to form its env var
const EnvPrefix = "OCR_AGENT"

// Upstream kinds
const (
	UpstreamOpenAI = "openai"
	UpstreamGemini = "gemini"
)

// Sink kinds
const (
	SinkBolt   = "bolt"
	SinkGoogle = "google"
	SinkXLSX   = "xlsx"
)

// ErrInvalid is wrapped by every Validate failure
var ErrInvalid = errors.New("invalid configuration")

// Config holds every setting of the agent
type Config struct {
	Port     int
	TLSCert  string
	TLSKey   string
	AuthUser string
	AuthPass string

	Upstream          string
	UpstreamURL       string
	Model             string
	APIKey            string
	GeminiKey         string
	GeminiModel       string
	UpstreamTimeout   time.Duration
	ExtractMaxTokens  int
	ClassifyMaxTokens int
	Temperature       float64

	Sink            string
	BoltPath        string
	SpreadsheetID   string
	CredentialsFile string
	XLSXPath        string
	SinkTimeout     time.Duration

	WatchDir         string
	ProcessedDir     string
	Debounce         time.Duration
	WatchConcurrency int
	InitialScan      bool

	LogLevel  string
	LogFormat string

	EnvFile     string
	ShowVersion bool

	// Args holds the positional arguments left after flag parsing
	Args []string
}

// NewFlagSet registers every flag on a new flag set bound to cfg
func NewFlagSet(name string, cfg *Config) *ff.FlagSet {
	fs := ff.NewFlagSet(name)

	fs.IntVar(&cfg.Port, 0, "port", 5055, "HTTP server port")
	fs.StringVar(&cfg.TLSCert, 0, "tls-cert", "", "TLS certificate file (optional)")
	fs.StringVar(&cfg.TLSKey, 0, "tls-key", "", "TLS key file (optional)")
	fs.StringVar(&cfg.AuthUser, 0, "auth-user", "", "Basic auth username (optional)")
	fs.StringVar(&cfg.AuthPass, 0, "auth-pass", "", "Basic auth password (optional)")

	fs.StringVar(&cfg.Upstream, 0, "upstream", UpstreamOpenAI, "Vision upstream: 'openai' or 'gemini'")
	fs.StringVar(&cfg.UpstreamURL, 0, "upstream-url", "http://localhost:8080/v1/chat/completions", "OpenAI-compatible chat completions endpoint")
	fs.StringVar(&cfg.Model, 0, "model", "", "Model name sent to the chat completions endpoint (optional)")
	fs.StringVar(&cfg.APIKey, 0, "api-key", "", "Bearer token for the chat completions endpoint (optional)")
	fs.StringVar(&cfg.GeminiKey, 0, "gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	fs.StringVar(&cfg.GeminiModel, 0, "gemini-model", "gemini-2.5-pro", "Google Gemini model name")
	fs.DurationVar(&cfg.UpstreamTimeout, 0, "upstream-timeout", 300*time.Second, "Bound on each upstream call")
	fs.IntVar(&cfg.ExtractMaxTokens, 0, "extract-max-tokens", 4096, "Completion limit for text extraction")
	fs.IntVar(&cfg.ClassifyMaxTokens, 0, "classify-max-tokens", 2048, "Completion limit for classification")
	fs.Float64Var(&cfg.Temperature, 0, "temperature", 0.1, "Sampling temperature for both upstream calls")

	fs.StringVar(&cfg.Sink, 0, "sink", SinkBolt, "Sink store: 'bolt', 'google' or 'xlsx'")
	fs.StringVar(&cfg.BoltPath, 0, "bolt-path", "ocr-agent.db", "Database file for the bolt sink")
	fs.StringVar(&cfg.SpreadsheetID, 0, "spreadsheet-id", "", "Spreadsheet id for the google sink")
	fs.StringVar(&cfg.CredentialsFile, 0, "google-credentials", "", "Service account credentials file for the google sink")
	fs.StringVar(&cfg.XLSXPath, 0, "xlsx-path", "ocr-agent.xlsx", "Workbook file for the xlsx sink")
	fs.DurationVar(&cfg.SinkTimeout, 0, "sink-timeout", 30*time.Second, "Bound on each sink write")

	fs.StringVar(&cfg.WatchDir, 0, "watch-dir", "", "Directory to watch for new images (serve mode, optional)")
	fs.StringVar(&cfg.ProcessedDir, 0, "processed-dir", "processed", "Subdirectory processed images are moved to")
	fs.DurationVar(&cfg.Debounce, 0, "debounce", time.Second, "Quiet period before a new file is processed")
	fs.IntVar(&cfg.WatchConcurrency, 0, "watch-concurrency", 4, "Maximum images processed at once by the watcher")
	fs.BoolVar(&cfg.InitialScan, 0, "initial-scan", "Process images already in the watch directory at start")

	fs.StringVar(&cfg.LogLevel, 0, "log-level", "info", "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, 0, "log-format", "text", "Log format: 'text' or 'json'")

	fs.StringVar(&cfg.EnvFile, 0, "env-file", "", "Load environment variables from this file instead of .env")
	fs.BoolVar(&cfg.ShowVersion, 0, "version", "Show version information")

	return fs
}

// Parse loads the env file, then parses args and OCR_AGENT_* variables.
// The flag set is returned so callers can print help on failure.
func Parse(name string, args []string) (Config, *ff.FlagSet, error) {
	var cfg Config
	fs := NewFlagSet(name, &cfg)

	if err := loadEnvFile(envFileArg(args)); err != nil {
		return cfg, fs, err
	}

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(EnvPrefix)); err != nil {
		return cfg, fs, err
	}
	cfg.Args = fs.GetArgs()

	if cfg.GeminiKey == "" {
		cfg.GeminiKey = os.Getenv("GEMINI_API_KEY")
	}

	return cfg, fs, nil
}

// envFileArg finds --env-file before the flag set is parsed, since the file
// has to be loaded before env vars are read
func envFileArg(args []string) string {
	for i, arg := range args {
		arg = strings.TrimLeft(arg, "-")
		if v, ok := strings.CutPrefix(arg, "env-file="); ok {
			return v
		}
		if arg == "env-file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(EnvPrefix + "_ENV_FILE")
}

// loadEnvFile loads an explicit env file, or .env when present. Variables
// already set in the environment win.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading env file %s: %w", path, err)
		}
		return nil
	}
	// .env is optional
	_ = godotenv.Load()
	return nil
}

// Validate rejects inconsistent settings
func (c Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Port <= 0 || c.Port > 65535 {
		invalid("port %d out of range", c.Port)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		invalid("tls-cert and tls-key must be set together")
	}

	switch c.Upstream {
	case UpstreamOpenAI:
		if strings.TrimSpace(c.UpstreamURL) == "" {
			invalid("upstream-url is required for the openai upstream")
		}
	case UpstreamGemini:
		if c.GeminiKey == "" {
			invalid("gemini-key or GEMINI_API_KEY is required for the gemini upstream")
		}
	default:
		invalid("unknown upstream %q (valid: openai, gemini)", c.Upstream)
	}
	if c.UpstreamTimeout <= 0 {
		invalid("upstream-timeout must be positive")
	}
	if c.ExtractMaxTokens <= 0 || c.ClassifyMaxTokens <= 0 {
		invalid("max tokens must be positive")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		invalid("temperature %.2f out of range", c.Temperature)
	}

	switch c.Sink {
	case SinkBolt:
		if c.BoltPath == "" {
			invalid("bolt-path is required for the bolt sink")
		}
	case SinkGoogle:
		if c.SpreadsheetID == "" {
			invalid("spreadsheet-id is required for the google sink")
		}
	case SinkXLSX:
		if c.XLSXPath == "" {
			invalid("xlsx-path is required for the xlsx sink")
		}
	default:
		invalid("unknown sink %q (valid: bolt, google, xlsx)", c.Sink)
	}
	if c.SinkTimeout <= 0 {
		invalid("sink-timeout must be positive")
	}

	if c.ProcessedDir == "" || strings.ContainsAny(c.ProcessedDir, `/\`) {
		invalid("processed-dir must be a plain directory name")
	}
	if c.Debounce <= 0 {
		invalid("debounce must be positive")
	}
	if c.WatchConcurrency <= 0 {
		invalid("watch-concurrency must be positive")
	}

	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		invalid("unknown log format %q (valid: text, json)", c.LogFormat)
	}

	return errors.Join(errs...)
}

// Level parses LogLevel
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("%w: log level %q: %w", ErrInvalid, c.LogLevel, err)
	}
	return level, nil
}

// Logger builds the process logger writing to w
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
