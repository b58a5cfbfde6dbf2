package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk and hands the
// freshly loaded Config to a callback. Invalid files are logged and skipped.
type Watcher struct {
	loader   *Loader
	onChange func(*Config)
	debounce time.Duration
	log      *zap.Logger
}

// NewWatcher creates a watcher for the loader's config path.
func NewWatcher(loader *Loader, onChange func(*Config), log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		loader:   loader,
		onChange: onChange,
		debounce: 100 * time.Millisecond,
		log:      log,
	}
}

// Run blocks until ctx is done. The parent directory is watched so editors that
// replace the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	if w.loader.configPath == "" {
		return fmt.Errorf("没有配置文件可监听")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	defer fw.Close()

	target := filepath.Clean(w.loader.configPath)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("监听配置目录失败: %w", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := w.loader.Load()
			if err != nil {
				w.log.Warn("config reload failed", zap.Error(err))
				continue
			}
			if err := cfg.Validate(); err != nil {
				w.log.Warn("reloaded config is invalid", zap.Error(err))
				continue
			}
			w.log.Info("config reloaded", zap.String("path", target))
			w.onChange(cfg)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}
