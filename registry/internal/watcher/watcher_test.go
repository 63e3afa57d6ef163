package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/llmariner/model-registry/common/pkg/test"
	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/config"
	"github.com/llmariner/model-registry/registry/internal/reconciler"
	"github.com/llmariner/model-registry/registry/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	calls atomic.Int32
	err   error
}

func (s *fakeScanner) Scan(ctx context.Context, f registry.Filter) (reconciler.Result, error) {
	s.calls.Add(1)
	return reconciler.Result{}, s.err
}

func newTestConfig(t *testing.T) *config.Config {
	c := config.Default()
	c.RootDir = t.TempDir()
	c.Watcher.Enable = true
	c.Watcher.Debounce = 50 * time.Millisecond
	c.ApplyDefaults()
	return &c
}

func start(t *testing.T, w *Watcher) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	// Wait for the conventional directories, which are created before watching starts.
	require.Eventually(t, func() bool {
		_, err := os.Stat(w.cfg.ModelDir(modelkind.StableDiffusion2, modelkind.ControlNet))
		return err == nil
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
}

func TestRun_DebouncesChanges(t *testing.T) {
	cfg := newTestConfig(t)
	s := &fakeScanner{}
	w := New(cfg, s, test.NewTestLogger(t))
	start(t, w)

	dir := cfg.ModelDir(modelkind.StableDiffusion1, modelkind.Lora)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("m%d.safetensors", i)), []byte("x"), 0644))
		time.Sleep(10 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return s.calls.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestRun_Autoimport(t *testing.T) {
	cfg := newTestConfig(t)
	root := cfg.Resolve(cfg.Autoimport.Lora)
	require.NoError(t, os.MkdirAll(root, 0755))

	s := &fakeScanner{err: errors.New("scan failed")}
	w := New(cfg, s, test.NewTestLogger(t))
	start(t, w)

	// A new sub-directory is watched as well.
	sub := filepath.Join(root, "new")
	require.NoError(t, os.Mkdir(sub, 0755))
	assert.Eventually(t, func() bool { return s.calls.Load() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "style.safetensors"), []byte("x"), 0644))
	// Scan failures do not stop the watcher.
	assert.Eventually(t, func() bool { return s.calls.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestRun_IgnoresHiddenFiles(t *testing.T) {
	cfg := newTestConfig(t)
	s := &fakeScanner{}
	w := New(cfg, s, test.NewTestLogger(t))
	start(t, w)

	dir := cfg.ModelDir(modelkind.StableDiffusion1, modelkind.Main)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial"), []byte("x"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), s.calls.Load())
}

func TestRelevant(t *testing.T) {
	tcs := []struct {
		ev   fsnotify.Event
		want bool
	}{
		{ev: fsnotify.Event{Name: "/m/sd-1/main/a.ckpt", Op: fsnotify.Create}, want: true},
		{ev: fsnotify.Event{Name: "/m/sd-1/main/a.ckpt", Op: fsnotify.Remove}, want: true},
		{ev: fsnotify.Event{Name: "/m/sd-1/main/a.ckpt", Op: fsnotify.Rename}, want: true},
		{ev: fsnotify.Event{Name: "/m/sd-1/main/a.ckpt", Op: fsnotify.Write}, want: false},
		{ev: fsnotify.Event{Name: "/m/sd-1/main/a.ckpt", Op: fsnotify.Chmod}, want: false},
		{ev: fsnotify.Event{Name: "/m/sd-1/main/.tmp", Op: fsnotify.Create}, want: false},
	}
	for _, tc := range tcs {
		assert.Equal(t, tc.want, relevant(tc.ev), tc.ev.String())
	}
}
