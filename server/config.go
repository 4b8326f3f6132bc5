package server

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher watches the directory containing a single configuration
// file and invokes a callback whenever that specific file sees a
// write/create/remove/rename event.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	done    chan struct{}
}

// WatchConfig starts watching path, which must exist. onChange is
// called (never concurrently) for every relevant filesystem event.
func WatchConfig(path string, onChange func()) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigMissing, path)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}

	cw := &ConfigWatcher{watcher: w, path: abs, done: make(chan struct{})}
	go cw.run(onChange)
	return cw, nil
}

func (cw *ConfigWatcher) run(onChange func()) {
	defer cw.watcher.Close()
	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			absEv, err := filepath.Abs(ev.Name)
			if err != nil || absEv != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Println("config watcher: change detected at", ev.Name)
				if onChange != nil {
					onChange()
				}
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Println("config watcher: error:", err)
		case <-cw.done:
			return
		}
	}
}

// Close stops the watcher.
func (cw *ConfigWatcher) Close() {
	select {
	case <-cw.done:
	default:
		close(cw.done)
	}
}

// WatchConfig watches the Pool's own configuration path and restarts
// every alive worker (graceful, via Pool.Restart) when it changes.
func (p *WorkerPool) WatchConfig() (*ConfigWatcher, error) {
	return WatchConfig(p.configPath, func() {
		p.Restart(nil)
	})
}
