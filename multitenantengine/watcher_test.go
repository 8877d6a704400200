package multitenantengine

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerCoalescesBursts(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	var calls, last atomic.Int32
	for i := 1; i <= 5; i++ {
		n := int32(i)
		d.Trigger(func() {
			calls.Add(1)
			last.Store(n)
		})
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(5), last.Load())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var calls atomic.Int32
	d.Trigger(func() { calls.Add(1) })
	d.Stop()
	d.Trigger(func() { calls.Add(1) })

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestShouldProcessEvent(t *testing.T) {
	fw := &FileWatcher{config: FileWatcherConfig{Extensions: DefinitionExtensions}}

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"yaml write", fsnotify.Event{Name: "tenants/acme.yaml", Op: fsnotify.Write}, true},
		{"yml create", fsnotify.Event{Name: "tenants/acme.yml", Op: fsnotify.Create}, true},
		{"json remove", fsnotify.Event{Name: "tenants/acme.json", Op: fsnotify.Remove}, true},
		{"upper case extension", fsnotify.Event{Name: "tenants/acme.YAML", Op: fsnotify.Write}, true},
		{"chmod only", fsnotify.Event{Name: "tenants/acme.yaml", Op: fsnotify.Chmod}, false},
		{"hidden file", fsnotify.Event{Name: "tenants/.acme.yaml", Op: fsnotify.Write}, false},
		{"editor swap file", fsnotify.Event{Name: "tenants/acme.yaml.swp", Op: fsnotify.Write}, false},
		{"other extension", fsnotify.Event{Name: "tenants/README.md", Op: fsnotify.Write}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fw.shouldProcessEvent(tt.event))
		})
	}
}

func TestNewFileWatcherRequiresDir(t *testing.T) {
	_, err := NewFileWatcher(FileWatcherConfig{}, nil)
	assert.Error(t, err)
}

func TestNewFileWatcherDefaults(t *testing.T) {
	fw, err := NewFileWatcher(FileWatcherConfig{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	defer fw.watcher.Close()

	assert.Equal(t, DefaultDebounceInterval, fw.config.DebounceInterval)
	assert.Equal(t, DefinitionExtensions, fw.config.Extensions)
}

func TestWatchMissingDir(t *testing.T) {
	fw, err := NewFileWatcher(FileWatcherConfig{Dir: filepath.Join(t.TempDir(), "missing")}, nil)
	require.NoError(t, err)

	err = fw.Watch(context.Background(), func() error { return nil })
	assert.ErrorContains(t, err, "failed to watch")
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	fw, err := NewFileWatcher(FileWatcherConfig{Dir: t.TempDir()}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fw.Watch(ctx, func() error { return nil }) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}

	// the watcher can only run once
	assert.Error(t, fw.Watch(context.Background(), func() error { return nil }))
}
