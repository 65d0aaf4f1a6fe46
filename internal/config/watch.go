package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"AgentCompany/pkg/logger"
)

const reloadDebounce = 200 * time.Millisecond

// Watch 监听配置文件，变化稳定后重新加载并回调 fn。
// 监听的是所在目录，编辑器以替换方式保存文件时也能收到事件。
// 加载失败只记录日志，调用方继续使用旧配置。Watch 阻塞到 ctx 结束。
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("解析配置路径失败: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("监听配置目录失败: %w", err)
	}

	log := logger.Named("config").With(slog.String("path", abs))
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("配置监听出错", slog.Any("error", err))
		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				log.Error("重新加载配置失败，继续使用旧配置", slog.Any("error", err))
				continue
			}
			log.Info("配置已重新加载")
			fn(cfg)
		}
	}
}
