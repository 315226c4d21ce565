package memory

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/harun/hive/pkg/events"
)

// Watcher reports external changes to a memory log as memory_updated events.
// Bursts of writes within the debounce window produce one event.
type Watcher struct {
	watcher   *fsnotify.Watcher
	logger    zerolog.Logger
	publisher events.Publisher
	file      string
	debounce  time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher watches the directory containing path and filters for path.
func NewWatcher(path string, publisher events.Publisher, logger zerolog.Logger) (*Watcher, error) {
	return newWatcher(path, publisher, logger, 500*time.Millisecond)
}

func newWatcher(path string, publisher events.Publisher, logger zerolog.Logger, debounce time.Duration) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:   watcher,
		logger:    logger,
		publisher: events.OrNop(publisher),
		file:      abs,
		debounce:  debounce,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Stop stops the watcher and cancels any pending notification.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.doneCh
	return err
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.file {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Memory log change detected")
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Memory watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.publisher.Publish(events.Event{
			Type: events.MemoryUpdated,
			Data: map[string]any{"path": w.file, "source": "fs"},
		})
	})
}
