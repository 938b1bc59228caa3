package filecache

import (
	"github.com/fsnotify/fsnotify"

	"github.com/redsand/rev-sub002/internal/logging"
)

// Watcher invalidates cache entries when files change outside the tool
// surface (editors, git operations, generators). The mtime check in Get
// already catches most external edits; the watcher exists for filesystems
// with coarse mtime resolution and for deletes.
type Watcher struct {
	cache   *Cache
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching the given roots. Returns nil and an error when
// the platform watcher cannot be created; callers treat the watcher as
// optional.
func NewWatcher(cache *Cache, roots ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if err := fw.Add(root); err != nil {
			logging.CacheDebug("watch %s failed: %v", root, err)
		}
	}

	w := &Watcher{cache: cache, watcher: fw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) != 0 {
				w.cache.Invalidate(ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.CacheDebug("watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
