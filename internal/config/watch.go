package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// Watcher reloads configuration when either config file changes. Bursts of
// file events are coalesced into one reload.
type Watcher struct {
	global, project string
	paths           map[string]bool
	fn              func(*Config, error)
	fw              *fsnotify.Watcher
	logger          *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Watch starts watching globalPath and projectPath. fn receives the result of
// Load after every change; a failed reload passes a nil config and the error.
// The files need not exist yet, but their directories must for changes to be
// seen.
func Watch(globalPath, projectPath string, fn func(*Config, error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	w := &Watcher{
		global:  globalPath,
		project: projectPath,
		paths:   make(map[string]bool),
		fn:      fn,
		fw:      fw,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}

	dirs := make(map[string]bool)
	for _, p := range []string{globalPath, projectPath} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		w.paths[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		// Watch the directory: editors replace files rather than write them.
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// SetLogger sets the logger for watcher errors.
func (w *Watcher) SetLogger(l *slog.Logger) {
	if l != nil {
		w.logger = l
	}
}

func (w *Watcher) watches(name string) bool {
	abs, err := filepath.Abs(name)
	return err == nil && w.paths[abs]
}

func (w *Watcher) run() {
	defer w.wg.Done()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !w.watches(ev.Name) || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-fire:
			fire = nil
			cfg, err := Load(w.global, w.project)
			if err != nil {
				w.logger.Warn("config reload failed", "error", err)
			}
			w.fn(cfg, err)
		}
	}
}

// Close stops watching and waits for a reload in progress to finish.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fw.Close()
		w.wg.Wait()
	})
	return err
}
