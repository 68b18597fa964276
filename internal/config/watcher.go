package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const watchDebounce = 2 * time.Second

// RulesWatcher monitors the rules directory and invokes a callback after rule
// files settle. Bursts of writes (editors, rsync, config management) collapse
// into a single callback.
type RulesWatcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	onChange func()
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRulesWatcher creates a watcher for dir. Call Start to begin delivering
// callbacks.
func NewRulesWatcher(dir string, onChange func()) (*RulesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &RulesWatcher{
		dir:      dir,
		watcher:  watcher,
		onChange: onChange,
		stopChan: make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *RulesWatcher) Start() {
	go w.loop()
	log.Info().Str("dir", w.dir).Msg("Watching rules directory for changes")
}

// Stop terminates the watcher.
func (w *RulesWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

func (w *RulesWatcher) loop() {
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(strings.ToLower(filepath.Base(event.Name)), ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Rule file changed")
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			log.Info().Str("dir", w.dir).Msg("Rule files settled, triggering reload")
			w.onChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Rules watcher error")

		case <-w.stopChan:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
