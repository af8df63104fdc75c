package config

import (
	log "log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce soaks up the write bursts editors and atomic-save tools
// produce for a single logical change.
const debounce = 400 * time.Millisecond

// Watcher reloads the config file on change and hands every good load
// to the apply callback. A load or validate failure is logged and the
// previous config stays in force.
type Watcher struct {
	fsw    *fsnotify.Watcher
	path   string
	apply  func(*Config, []string)
	stopCh chan struct{}
	doneCh chan struct{}
}

// Watch starts watching path. It watches the directory, not the file:
// editors that rename-over the file would otherwise detach the watch.
func Watch(path string, apply func(*Config, []string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:    fsw,
		path:   path,
		apply:  apply,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	base := filepath.Base(w.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("Config watch error", "err", err)

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, warnings, err := Load(w.path)
	if err != nil {
		log.Warn("Reload rejected, keeping previous config", "err", err)
		return
	}
	log.Info("Config reloaded", "path", w.path)
	w.apply(cfg, warnings)
}

// Close stops the watch loop and waits for it to exit.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.fsw.Close()
	<-w.doneCh
	return err
}
