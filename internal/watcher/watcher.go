package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/semaphore"

	"github.com/zombor/ocr-agent/internal/agent"
	"github.com/zombor/ocr-agent/internal/metrics"
	"github.com/zombor/ocr-agent/internal/scanning"
)

const (
	DefaultProcessedDir = "processed"
	DefaultDebounce     = 1 * time.Second
	DefaultConcurrency  = 4

	// logSummaryLimit caps the summary echoed in watch logs
	logSummaryLimit = 80
)

// Allowed extensions (lowercase, without '.')
var imageExts = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"gif":  {},
	"webp": {},
	"bmp":  {},
	"tiff": {},
	"tif":  {},
}

// Processor runs the pipeline for one image
type Processor interface {
	Process(ctx context.Context, input agent.ImageInput) (agent.RoutedResult, error)
}

// Config controls a Watcher
type Config struct {
	Dir          string
	ProcessedDir string
	Debounce     time.Duration
	Concurrency  int
	InitialScan  bool
}

// entry is the debounce state of one path. It lives from the first creation
// event until the path has been dispatched.
type entry struct {
	path        string
	firstSeen   time.Time
	gen         uint64
	timer       *time.Timer
	dispatching bool
	rearm       bool
}

// Watcher feeds images dropped into a directory to a Processor. Successful
// files move to the processed subdirectory; failed files stay in place.
type Watcher struct {
	cfg       Config
	processor Processor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	ctx     context.Context
}

// New creates a Watcher, filling unset config fields with defaults
func New(cfg Config, processor Processor, m *metrics.Metrics, logger *slog.Logger) *Watcher {
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = DefaultProcessedDir
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		cfg:       cfg,
		processor: processor,
		metrics:   m,
		logger:    logger.With("dir", cfg.Dir),
		now:       time.Now,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		entries:   make(map[string]*entry),
		ctx:       context.Background(),
	}
}

// ProcessedPath returns the directory successful files are moved to
func (w *Watcher) ProcessedPath() string {
	return filepath.Join(w.cfg.Dir, w.cfg.ProcessedDir)
}

// Run watches until ctx is cancelled, then waits for in-flight dispatches
// to finish. Debounces that have not fired yet are dropped.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.ProcessedPath(), 0755); err != nil {
		return fmt.Errorf("creating processed directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.cfg.Dir, err)
	}

	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	w.logger.Info("Watching for new images", "processed", w.ProcessedPath())

	if w.cfg.InitialScan {
		if err := w.scanExisting(); err != nil {
			w.logger.Warn("Initial scan failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				w.shutdown()
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				w.shutdown()
				return nil
			}
			w.logger.Error("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !allowed(e.Name()) {
			continue
		}
		w.track(filepath.Join(w.cfg.Dir, e.Name()))
	}
	return nil
}

// handleEvent starts or extends the debounce for image files. Creation
// starts tracking a path; writes only extend an existing debounce.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !allowed(ev.Name) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil || info.IsDir() {
			return
		}
		w.track(ev.Name)
	case ev.Has(fsnotify.Write):
		w.mu.Lock()
		if e, ok := w.entries[ev.Name]; ok && !e.dispatching {
			w.schedule(e)
		}
		w.mu.Unlock()
	}
}

func (w *Watcher) track(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	e, ok := w.entries[path]
	if !ok {
		e = &entry{path: path, firstSeen: w.now()}
		w.entries[path] = e
		w.logger.Debug("New image detected", "path", path)
	}
	if e.dispatching {
		// Serialize with the running dispatch; go again once it finishes
		e.rearm = true
		return
	}
	w.schedule(e)
}

// schedule (re)arms the debounce timer. Callers hold w.mu.
func (w *Watcher) schedule(e *entry) {
	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(w.cfg.Debounce, func() { w.fire(e.path, gen) })
}

func (w *Watcher) fire(path string, gen uint64) {
	w.mu.Lock()
	e, ok := w.entries[path]
	if !ok || w.closed || e.dispatching || e.gen != gen {
		w.mu.Unlock()
		return
	}
	e.dispatching = true
	ctx := w.ctx
	firstSeen := e.firstSeen
	w.wg.Add(1)
	w.mu.Unlock()

	defer w.wg.Done()

	if err := w.sem.Acquire(ctx, 1); err != nil {
		w.finish(path)
		return
	}
	defer w.sem.Release(1)

	w.dispatch(context.WithoutCancel(ctx), path, firstSeen)
	w.finish(path)
}

// finish forgets the path, or re-arms it if it was created again meanwhile
func (w *Watcher) finish(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[path]
	if !ok {
		return
	}
	e.dispatching = false
	if e.rearm && !w.closed {
		e.rearm = false
		e.firstSeen = w.now()
		w.schedule(e)
		return
	}
	delete(w.entries, path)
}

func (w *Watcher) dispatch(ctx context.Context, path string, firstSeen time.Time) {
	name := filepath.Base(path)

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		w.logger.Debug("File vanished before dispatch", "file", name)
		w.metrics.RecordWatchedFile("vanished")
		return
	}

	input, err := agent.ReadImageFile(path, agent.ProvenanceFolder)
	if err != nil {
		w.logger.Error("Error reading image", "file", name, "error", err)
		w.metrics.RecordWatchedFile("failed")
		return
	}

	w.logger.Info("Processing image", "file", name, "waited_ms", w.now().Sub(firstSeen).Milliseconds())
	result, err := w.processor.Process(ctx, input)
	if err != nil {
		code, _ := agent.ErrorCode(err)
		w.logger.Error("Error processing image", "file", name, "code", code, "error", err)
		w.metrics.RecordWatchedFile("failed")
		return
	}
	w.logOutcome(name, result)

	dest, err := w.relocate(path)
	if err != nil {
		w.logger.Error("Error moving processed image", "file", name, "error", err)
		w.metrics.RecordWatchedFile("unmoved")
		return
	}
	w.logger.Info("Moved image", "file", name, "dest", dest)
	w.metrics.RecordWatchedFile("processed")
}

func (w *Watcher) logOutcome(name string, result agent.RoutedResult) {
	switch p := result.Payload.(type) {
	case agent.ExpensePayload:
		w.logger.Info("Image expensed", "file", name, "vendor", p.Vendor, "total", p.Total)
	case agent.LogPayload:
		w.logger.Info("Image logged", "file", name, "summary", scanning.Truncate(p.Summary, logSummaryLimit))
	default:
		w.logger.Info("Image processed", "file", name, "action", result.Action)
	}
}

// relocate moves path into the processed directory without overwriting.
// On a name collision the current time is appended before the extension.
func (w *Watcher) relocate(path string) (string, error) {
	dir := w.ProcessedPath()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	name := filepath.Base(path)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	dest := filepath.Join(dir, name)
	for i := 0; exists(dest); i++ {
		suffix := fmt.Sprintf("%d", w.now().Unix())
		if i > 0 {
			suffix = fmt.Sprintf("%s_%d", suffix, i)
		}
		dest = filepath.Join(dir, base+"_"+suffix+ext)
	}

	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.closed = true
	for path, e := range w.entries {
		if e.dispatching {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(w.entries, path)
	}
	pending := len(w.entries)
	w.mu.Unlock()

	if pending > 0 {
		w.logger.Info("Waiting for in-flight images", "count", pending)
	}
	w.wg.Wait()
	w.logger.Info("Watcher stopped")
}

func allowed(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	_, ok := imageExts[ext]
	return ok
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
