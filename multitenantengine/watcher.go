package multitenantengine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceInterval is how long the watcher waits for changes to
// settle before reloading
const DefaultDebounceInterval = 250 * time.Millisecond

// FileWatcher watches the tenant directory and triggers reloads.
// Bursts of events are debounced into a single reload.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	config   FileWatcherConfig
	debounce *Debouncer

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// FileWatcherConfig contains configuration for the file watcher
type FileWatcherConfig struct {
	// Dir is the directory to watch
	Dir string

	// DebounceInterval is the quiet period before a reload
	DebounceInterval time.Duration

	// Extensions are the file extensions that trigger reloads
	Extensions []string
}

// NewFileWatcher creates a new file watcher
func NewFileWatcher(config FileWatcherConfig, logger *slog.Logger) (*FileWatcher, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultDebounceInterval
	}
	if len(config.Extensions) == 0 {
		config.Extensions = DefinitionExtensions
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher:  watcher,
		logger:   logger,
		config:   config,
		debounce: NewDebouncer(config.DebounceInterval),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Watch calls onReload after each burst of relevant file changes. It blocks
// until ctx is cancelled or Stop is called, and releases the watcher when it
// returns. A FileWatcher can be run once.
func (fw *FileWatcher) Watch(ctx context.Context, onReload func() error) error {
	fw.mu.Lock()
	if fw.running {
		fw.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	fw.running = true
	fw.mu.Unlock()

	defer func() {
		fw.debounce.Stop()
		_ = fw.watcher.Close()
		close(fw.doneCh)
	}()

	if err := fw.watcher.Add(fw.config.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", fw.config.Dir, err)
	}

	fw.logger.Info("tenant watcher started",
		"dir", fw.config.Dir,
		"debounce_ms", fw.config.DebounceInterval.Milliseconds(),
	)

	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("tenant watcher stopped", "reason", ctx.Err())
			return nil

		case <-fw.stopCh:
			fw.logger.Info("tenant watcher stopped")
			return nil

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !fw.shouldProcessEvent(event) {
				continue
			}

			fw.logger.Debug("tenant file changed", "path", event.Name, "op", event.Op.String())
			fw.debounce.Trigger(func() {
				if err := onReload(); err != nil {
					fw.logger.Error("tenant reload failed", "error", err)
				}
			})

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			fw.logger.Error("tenant watcher error", "error", err)
		}
	}
}

// Stop stops a running watcher and waits for Watch to return
func (fw *FileWatcher) Stop() {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return
	}
	select {
	case <-fw.stopCh:
	default:
		close(fw.stopCh)
	}
	fw.mu.Unlock()

	<-fw.doneCh
}

func (fw *FileWatcher) shouldProcessEvent(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return slices.Contains(fw.config.Extensions, strings.ToLower(filepath.Ext(event.Name)))
}

// Debouncer collects rapid events and runs the latest callback once the
// interval passes without a new event
type Debouncer struct {
	interval time.Duration
	timer    *time.Timer
	mu       sync.Mutex
	stopped  bool
}

// NewDebouncer creates a new debouncer
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger schedules callback, replacing any callback still pending
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			callback()
		}
	})
}

// Stop cancels any pending callback. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
