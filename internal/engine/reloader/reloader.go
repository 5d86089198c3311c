// Package reloader keeps file-backed reference data fresh in the background.
package reloader

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Reloadable is the handle a Reloader drives. Reload must parse path before
// taking any lock and must keep its previous data when it fails.
type Reloadable interface {
	Reload(path string) error
}

// Hook observes the outcome of every reload attempt.
type Hook func(name string, err error)

// Option configures a Reloader.
type Option func(*Reloader)

// WithWatch additionally watches the file's directory so that writes trigger a
// check before the next tick.
func WithWatch() Option {
	return func(r *Reloader) { r.watch = true }
}

// WithHook registers a callback invoked after every reload attempt.
func WithHook(h Hook) Option {
	return func(r *Reloader) { r.hook = h }
}

// Reloader periodically compares a file's modification time with the last loaded
// one and reloads the target when it changed.
type Reloader struct {
	name     string
	path     string
	interval time.Duration
	target   Reloadable
	watch    bool
	hook     Hook

	checkMu sync.Mutex
	lastMod time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a reloader. Nothing is loaded until Start.
func New(name, path string, interval time.Duration, target Reloadable, opts ...Option) *Reloader {
	r := &Reloader{
		name:     name,
		path:     path,
		interval: interval,
		target:   target,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start performs the initial load synchronously and then starts the background
// loop. An initial load failure is returned and nothing is started.
func (r *Reloader) Start() error {
	if r.interval <= 0 {
		return fmt.Errorf("reloader %s: refresh interval must be positive, got %s", r.name, r.interval)
	}

	// 1. Initial synchronous load
	info, err := os.Stat(r.path)
	if err != nil {
		return fmt.Errorf("reloader %s: %w", r.name, err)
	}
	if err := r.target.Reload(r.path); err != nil {
		return fmt.Errorf("reloader %s: initial load of %s failed: %w", r.name, r.path, err)
	}
	r.checkMu.Lock()
	r.lastMod = info.ModTime()
	r.checkMu.Unlock()
	r.report(nil)

	// 2. Optional filesystem watch
	if r.watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("reloader %s: failed to create watcher: %w", r.name, err)
		}
		if err := w.Add(filepath.Dir(r.path)); err != nil {
			w.Close()
			return fmt.Errorf("reloader %s: failed to watch %s: %w", r.name, r.path, err)
		}
		r.watcher = w
	}

	// 3. Periodic loop
	r.wg.Add(1)
	go r.run()
	log.Info().Str("reloader", r.name).Str("file", r.path).Dur("interval", r.interval).Bool("watch", r.watch).Msg("reloader started")
	return nil
}

// Stop terminates the background loop and waits for an in-flight reload to finish.
func (r *Reloader) Stop() {
	close(r.done)
	r.wg.Wait()
	if r.watcher != nil {
		r.watcher.Close()
	}
	log.Info().Str("reloader", r.name).Msg("reloader stopped")
}

func (r *Reloader) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-ticker.C:
			r.tick()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.tick()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn().Str("reloader", r.name).Err(err).Msg("watch error")
		case <-r.done:
			return
		}
	}
}

func (r *Reloader) tick() {
	if _, err := r.Check(); err != nil {
		log.Error().Str("reloader", r.name).Str("file", r.path).Err(err).Msg("reload failed, keeping previous data")
	}
}

// Check stats the file and reloads it when its modification time differs from
// the last successful load. It reports whether a reload happened.
func (r *Reloader) Check() (bool, error) {
	r.checkMu.Lock()
	defer r.checkMu.Unlock()

	info, err := os.Stat(r.path)
	if err != nil {
		r.report(err)
		return false, err
	}
	if info.ModTime().Equal(r.lastMod) {
		return false, nil
	}
	if err := r.target.Reload(r.path); err != nil {
		r.report(err)
		return false, err
	}
	r.lastMod = info.ModTime()
	r.report(nil)
	log.Info().Str("reloader", r.name).Str("file", r.path).Time("mtime", r.lastMod).Msg("reference data reloaded")
	return true, nil
}

func (r *Reloader) report(err error) {
	if r.hook != nil {
		r.hook(r.name, err)
	}
}
