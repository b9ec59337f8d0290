package config

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watcher 轮询配置文件变更并触发重新加载。
// 变更检测基于文件修改时间与大小，无外部依赖。
type Watcher struct {
	loader   *Loader
	path     string
	interval time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	current   *Config
	lastMod   time.Time
	lastSize  int64
	callbacks []func(*Config)

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewWatcher 创建配置监视器，立即加载一次配置
func NewWatcher(loader *Loader, path string, interval time.Duration, logger *zap.Logger) (*Watcher, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := loader.WithConfigPath(path).Load()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		loader:   loader,
		path:     path,
		interval: interval,
		logger:   logger,
		current:  cfg,
		done:     make(chan struct{}),
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
		w.lastSize = info.Size()
	}
	return w, nil
}

// Current 返回当前生效的配置
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload 注册配置重载回调
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start 启动后台轮询
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
}

// Stop 停止轮询
func (w *Watcher) Stop() {
	w.once.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		<-w.done
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}

	w.mu.RLock()
	changed := info.ModTime() != w.lastMod || info.Size() != w.lastSize
	w.mu.RUnlock()
	if !changed {
		return
	}

	cfg, err := w.loader.Load()
	if err != nil {
		// 加载失败保留旧配置
		w.logger.Warn("config reload failed, keeping previous config",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.lastMod = info.ModTime()
	w.lastSize = info.Size()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.String("path", w.path))
	for _, fn := range callbacks {
		fn(cfg)
	}
}
