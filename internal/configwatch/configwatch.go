// Package configwatch implements the generic file-backed config
// watcher: debounced fsnotify events, a skip_next write barrier so a
// process's own saves don't trigger a reload, and force_reload for
// explicit repoints, grounded on the teacher's env-driven
// collector.Config load/validate shape generalized to a persistable
// file format.
package configwatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Persistable is the contract a watched value must satisfy: load it
// from a path, and save a given value to a path.
type Persistable[T any] interface {
	Load(path string) (T, error)
	Save(value T, path string) error
}

// debounceWindow coalesces bursts of filesystem modify events into a
// single reload, matching spec's 500ms window.
const debounceWindow = 500 * time.Millisecond

// Watcher watches one file and pushes freshly loaded values to Values
// whenever the file changes on disk, except for changes the process
// itself caused via Save.
type Watcher[T any] struct {
	mu         sync.Mutex
	path       string
	persist    Persistable[T]
	skipNext   bool
	forceReload bool

	values chan T
	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	doneCh chan struct{}
}

// New starts watching path immediately.
func New[T any](path string, persist Persistable[T], bufferSize int) (*Watcher[T], error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher[T]{
		path:    path,
		persist: persist,
		values:  make(chan T, bufferSize),
		fsw:     fsw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

// Values exposes the output channel of freshly loaded values.
func (w *Watcher[T]) Values() <-chan T { return w.values }

// SkipNext sets the write barrier: the watcher clears it and skips
// exactly one reload for the next debounced modify event. The
// application calls this immediately before any self-initiated Save.
func (w *Watcher[T]) SkipNext() {
	w.mu.Lock()
	w.skipNext = true
	w.mu.Unlock()
}

// Save persists value via the configured Persistable, calling
// SkipNext first so the watcher doesn't reload its own write.
func (w *Watcher[T]) Save(value T) error {
	w.SkipNext()
	return w.persist.Save(value, w.path)
}

// ChangeFile stops watching the current path, repoints to newPath,
// sets force_reload, and restarts.
func (w *Watcher[T]) ChangeFile(newPath string) error {
	w.Stop()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(newPath); err != nil {
		fsw.Close()
		return err
	}

	w.mu.Lock()
	w.path = newPath
	w.forceReload = true
	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.run()
	return nil
}

// Stop closes the underlying fsnotify watcher and waits for the run
// loop to exit.
func (w *Watcher[T]) Stop() {
	w.mu.Lock()
	stopCh := w.stopCh
	fsw := w.fsw
	doneCh := w.doneCh
	w.mu.Unlock()
	if fsw == nil {
		return
	}
	close(stopCh)
	fsw.Close()
	<-doneCh
}

func (w *Watcher[T]) run() {
	w.mu.Lock()
	fsw := w.fsw
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()

	defer close(doneCh)

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pendingModify := false

	for {
		select {
		case <-stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == 0 && event.Op&fsnotify.Create == 0 {
				continue
			}
			pendingModify = true
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceWindow)
			}
			debounceCh = debounce.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("configwatch: fsnotify error", "path", w.path, "err", err)

		case <-debounceCh:
			debounceCh = nil
			w.mu.Lock()
			skip := w.skipNext
			w.skipNext = false
			force := w.forceReload
			w.forceReload = false
			path := w.path
			w.mu.Unlock()

			if skip {
				pendingModify = false
				continue
			}
			if !force && !pendingModify {
				continue
			}
			pendingModify = false

			value, err := w.persist.Load(path)
			if err != nil {
				slog.Warn("configwatch: reload failed", "path", path, "err", err)
				continue
			}
			select {
			case w.values <- value:
			case <-stopCh:
				return
			}
		}
	}
}
