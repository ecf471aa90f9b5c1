package persist

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"autocron/internal/task"
	"autocron/pkg/logx"
)

const (
	debounceDelay      = 250 * time.Millisecond
	restartBackoffBase = time.Second
	restartBackoffMax  = 30 * time.Second
)

// Watch reloads the task file whenever it changes on disk, merging its
// contents into the registry. The directory is watched rather than the file
// so editor rename-and-replace saves are seen. Runs until ctx is cancelled.
func Watch(ctx context.Context, reg *task.Registry, path string, log logx.Logger) {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	var mu sync.Mutex
	var timer *time.Timer
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, func() {
			if err := Load(reg, path, Merge); err != nil {
				log.Warn("task file reload rejected", logx.String("path", path), logx.Err(err))
				return
			}
			log.Info("task file reloaded", logx.String("path", path), logx.Int("tasks", reg.Len()))
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	backoff := restartBackoffBase
	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			log.Warn("task file watch init failed", logx.String("dir", dir), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < restartBackoffMax {
				backoff *= 2
			}
			continue
		}
		backoff = restartBackoffBase
		log.Debug("task file watcher started", logx.String("dir", dir), logx.String("file", file))

		// Inner loop runs until the watcher breaks, then the outer loop
		// recreates it.
		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err != nil {
					log.Warn("task file watch error", logx.String("dir", dir), logx.Err(err))
				}
			}
		}
		_ = w.Close()
	}
}
