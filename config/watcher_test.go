package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9090\n"), 0o644))

	w, err := NewWatcher(NewLoader(), path, 20*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 9090, w.Current().Server.HTTPPort)

	reloaded := make(chan *Config, 1)
	w.OnReload(func(c *Config) { reloaded <- c })

	w.Start(context.Background())
	defer w.Stop()

	// 修改文件并确保修改时间变化
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 7070\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 7070, cfg.Server.HTTPPort)
		assert.Equal(t, 7070, w.Current().Server.HTTPPort)
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback not fired")
	}
}

func TestWatcherKeepsConfigOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9090\n"), 0o644))

	w, err := NewWatcher(NewLoader(), path, 20*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	w.Start(context.Background())
	defer w.Stop()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 9090, w.Current().Server.HTTPPort)
}
