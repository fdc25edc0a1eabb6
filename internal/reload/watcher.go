// Package reload re-applies the snaps listed in the configuration file
// while the host runs: a Watcher polls the file and a Reconciler installs
// or updates the snaps whose bundle changed.
package reload

import (
	"context"
	"os"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

// Watcher polls a file and signals on Changes when its modification time
// or size moves. Consecutive changes between two reads coalesce.
type Watcher struct {
	path     string
	interval time.Duration
	changes  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewWatcher returns a Watcher for path. A non-positive interval uses the
// default of five seconds.
func NewWatcher(path string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Watcher{
		path:     path,
		interval: interval,
		changes:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Changes is signalled after each detected change.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Start begins polling until ctx is done or Stop is called. Later calls
// are no-ops.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.poll(ctx)
	})
}

// Stop ends polling and waits for the poll goroutine. Safe before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	started := true
	w.startOnce.Do(func() {
		started = false
		close(w.done)
	})
	if started {
		<-w.done
	}
}

type fileStamp struct {
	mod  time.Time
	size int64
}

func (w *Watcher) stat() (fileStamp, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileStamp{}, false
	}
	return fileStamp{mod: info.ModTime(), size: info.Size()}, true
}

func (w *Watcher) poll(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	last, _ := w.stat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			// A file being replaced may be briefly missing.
			cur, ok := w.stat()
			if !ok || cur == last {
				continue
			}
			last = cur
			select {
			case w.changes <- struct{}{}:
			default:
			}
		}
	}
}
