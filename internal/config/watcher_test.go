package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	_, dir := setupTestHome(t)
	path := writeConfig(t, dir, "kernel:\n  max_events: 100\n", 0600)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c }, WithWatchDebounce(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)

	require.NoError(t, os.WriteFile(path, []byte("kernel:\n  max_events: 7\n"), 0600))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, 7, cfg.Kernel.MaxEvents)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	// A broken file keeps the previous config.
	require.NoError(t, os.WriteFile(path, []byte("kernel: [\n"), 0600))
	require.NoError(t, os.WriteFile(path, []byte("kernel:\n  quota_policy: sometimes\n"), 0600))
	select {
	case cfg := <-reloaded:
		t.Fatalf("unexpected reload: %+v", cfg.Kernel)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	_, dir := setupTestHome(t)
	path := writeConfig(t, dir, "kernel:\n  max_events: 100\n", 0600)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c }, WithWatchDebounce(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0600))
	select {
	case <-reloaded:
		t.Fatal("reload triggered by an unrelated file")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestNewWatcher_Validation(t *testing.T) {
	_, dir := setupTestHome(t)
	path := writeConfig(t, dir, "", 0600)

	_, err := NewWatcher(path, nil)
	assert.ErrorContains(t, err, "reload callback")

	_, err = NewWatcher(filepath.Join(t.TempDir(), "config.yaml"), func(*Config) {})
	assert.ErrorContains(t, err, "config path validation failed")

	w, err := NewWatcher("", func(*Config) {})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), w.Path())

	// Stop before Start is harmless.
	w.Stop()
	w.Stop()
}
