package launch

import (
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher flags the program image or symbol file as stale once it changes
// on disk after the session started. Debug information for a rebuilt
// binary no longer matches what the target runs, which is worth a loud
// warning but never fatal.
type Watcher struct {
	fw      *fsnotify.Watcher
	log     *logrus.Entry
	changed chan string

	mu    sync.Mutex
	stale map[string]time.Time
}

// NewWatcher starts watching the given paths. Paths that cannot be
// watched are logged and skipped.
func NewWatcher(log *logrus.Entry, paths ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fw:      fw,
		log:     log,
		changed: make(chan string, 8),
		stale:   make(map[string]time.Time),
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := fw.Add(p); err != nil {
			log.WithError(err).WithField("path", p).Warn("cannot watch file")
		}
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.stale[ev.Name] = time.Now()
			w.mu.Unlock()
			w.log.WithField("path", ev.Name).Warn("watched file changed on disk, loaded symbols may be stale")
			select {
			case w.changed <- ev.Name:
			default:
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("file watcher error")
		}
	}
}

// Changed delivers the path of each change, coalesced when nobody reads.
func (w *Watcher) Changed() <-chan string { return w.changed }

// IsStale reports whether any watched file changed since the watch began.
func (w *Watcher) IsStale() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.stale) > 0
}

// Stale returns the changed paths with their last change time.
func (w *Watcher) Stale() map[string]time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]time.Time, len(w.stale))
	for k, v := range w.stale {
		out[k] = v
	}
	return out
}

// StalePaths returns just the changed paths, sorted.
func (w *Watcher) StalePaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.stale))
	for p := range w.stale {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.fw.Close() }
