package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/zombor/ocr-agent/internal/agent"
	"github.com/zombor/ocr-agent/internal/config"
	"github.com/zombor/ocr-agent/internal/metrics"
	"github.com/zombor/ocr-agent/internal/scanning"
	"github.com/zombor/ocr-agent/internal/sink"
	"github.com/zombor/ocr-agent/internal/watcher"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

const defaultWatchDir = "./watch"

const usage = `Usage:
  ocr-agent [flags] [serve]          run the HTTP ingress (and the watcher when --watch-dir is set)
  ocr-agent [flags] watch [dir]      watch a directory for new images (default ./watch)
  ocr-agent [flags] <image> [source] process one image and print the result`

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	cfg, fs, err := config.Parse("ocr-agent", os.Args[1:])
	if errors.Is(err, ff.ErrHelp) {
		fmt.Fprintf(os.Stderr, "%s\n\n%s\n", usage, ffhelp.Flags(fs))
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if cfg.ShowVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(cfg.Logger(os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg config.Config) int {
	mode, args := command(cfg.Args)

	// Fail fast on a missing file before dialing anything
	var input agent.ImageInput
	if mode == "file" {
		var err error
		input, err = fileInput(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
	}

	completer, err := newCompleter(cfg)
	if err != nil {
		slog.Error("Failed to initialize upstream", "upstream", cfg.Upstream, "error", err)
		return 1
	}
	scanner := scanning.NewScanner(completer, float32(cfg.Temperature), slog.Default()).
		WithMaxTokens(cfg.ExtractMaxTokens, cfg.ClassifyMaxTokens)
	defer scanner.Close()

	store, err := newStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize sink", "sink", cfg.Sink, "error", err)
		return 1
	}
	defer store.Close()

	m := metrics.New()
	service := agent.NewService(scanner, store, cfg.SinkTimeout, m)

	switch mode {
	case "serve":
		err = serve(ctx, cfg, service, m)
	case "watch":
		dir := defaultWatchDir
		if len(args) > 0 {
			dir = args[0]
		}
		err = newWatcher(cfg, dir, service, m).Run(ctx)
	default:
		err = processFile(ctx, service, input)
	}

	if err != nil {
		slog.Error("Exiting with error", "mode", mode, "error", err)
		return 1
	}
	return 0
}

// command splits positional args into a mode and its arguments
func command(args []string) (string, []string) {
	if len(args) == 0 {
		return "serve", nil
	}
	switch args[0] {
	case "serve", "watch":
		return args[0], args[1:]
	}
	return "file", args
}

func fileInput(args []string) (agent.ImageInput, error) {
	path := args[0]
	source := agent.ProvenanceCLI
	if len(args) > 1 {
		p, err := agent.ParseProvenance(args[1])
		if err != nil {
			return agent.ImageInput{}, err
		}
		source = p
	}

	if _, err := os.Stat(path); err != nil {
		return agent.ImageInput{}, fmt.Errorf("file not found: %s", path)
	}
	return agent.ReadImageFile(path, source)
}

func newCompleter(cfg config.Config) (scanning.Completer, error) {
	switch cfg.Upstream {
	case config.UpstreamGemini:
		slog.Info("Initializing Gemini upstream...", "model", cfg.GeminiModel)
		return scanning.NewGemini(cfg.GeminiKey, cfg.GeminiModel, cfg.UpstreamTimeout)
	default:
		slog.Info("Initializing chat completions upstream...", "url", cfg.UpstreamURL, "model", cfg.Model)
		return scanning.NewChatClient(scanning.ChatConfig{
			URL:     cfg.UpstreamURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
			Timeout: cfg.UpstreamTimeout,
		}, slog.Default())
	}
}

func newStore(ctx context.Context, cfg config.Config) (sink.Store, error) {
	switch cfg.Sink {
	case config.SinkGoogle:
		slog.Info("Initializing Google Sheets sink...", "spreadsheet", cfg.SpreadsheetID)
		opts := []option.ClientOption{option.WithScopes(gsheets.SpreadsheetsScope)}
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		return sink.NewGoogleStore(ctx, cfg.SpreadsheetID, slog.Default(), opts...)
	case config.SinkXLSX:
		slog.Info("Initializing workbook sink...", "path", cfg.XLSXPath)
		return sink.NewXLSXStore(cfg.XLSXPath)
	default:
		slog.Info("Initializing database sink...", "path", cfg.BoltPath)
		return sink.NewBoltStore(cfg.BoltPath)
	}
}

func newWatcher(cfg config.Config, dir string, service *agent.Service, m *metrics.Metrics) *watcher.Watcher {
	return watcher.New(watcher.Config{
		Dir:          dir,
		ProcessedDir: cfg.ProcessedDir,
		Debounce:     cfg.Debounce,
		Concurrency:  cfg.WatchConcurrency,
		InitialScan:  cfg.InitialScan,
	}, service, m, slog.Default())
}

func serve(ctx context.Context, cfg config.Config, service *agent.Service, m *metrics.Metrics) error {
	basicAuth := agent.BasicAuth{
		Username: cfg.AuthUser,
		Password: cfg.AuthPass,
	}
	server := agent.NewServer(service, basicAuth, m)
	if cfg.AuthUser != "" || cfg.AuthPass != "" {
		slog.Info("Basic auth enabled", "user", cfg.AuthUser)
	}

	g, ctx := errgroup.WithContext(ctx)
	addr := fmt.Sprintf(":%d", cfg.Port)
	g.Go(func() error {
		return server.Start(ctx, addr, agent.TLSFiles{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey})
	})
	if cfg.WatchDir != "" {
		w := newWatcher(cfg, cfg.WatchDir, service, m)
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}

func processFile(ctx context.Context, service *agent.Service, input agent.ImageInput) error {
	result, err := service.Process(ctx, input)
	if err != nil {
		return err
	}

	return writeResult(os.Stdout, result)
}

// writeResult prints the result as indented JSON with text such as "A&B" kept as is
func writeResult(w io.Writer, result agent.RoutedResult) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return nil
}
