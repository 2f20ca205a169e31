// Package watch turns raw filesystem notifications into a drainable event
// queue. The fsnotify goroutine only enqueues; all debounce and reload
// decisions happen on whichever goroutine drains, which is the
// orchestrator's pump.
package watch

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind classifies a raw file event.
type Kind int

const (
	KindCreate Kind = iota
	KindWrite
	KindRemove
)

// Event is one raw filesystem observation, untouched by debounce.
type Event struct {
	Path string
	Kind Kind
	Time time.Time
}

// Source is what the orchestrator drains. Tests substitute a synthetic
// queue for the fsnotify-backed watcher.
type Source interface {
	Drain() []Event
}

// Queue is a plain mutex-guarded event queue, the Source used directly in
// tests and embedded by Watcher.
type Queue struct {
	mutex  sync.Mutex
	events []Event
}

// Push appends an event. Safe from any goroutine.
func (q *Queue) Push(ev Event) {
	q.mutex.Lock()
	q.events = append(q.events, ev)
	q.mutex.Unlock()
}

// Drain removes and returns all queued events in arrival order.
func (q *Queue) Drain() []Event {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	events := q.events
	q.events = nil
	return events
}

// Watcher adapts fsnotify to the enqueue-only model.
type Watcher struct {
	Queue
	fs   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// New starts a watcher. Call Add for each module source directory and
// Close on shutdown.
func New() (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fs: fs, done: make(chan struct{}), now: time.Now}
	w.wg.Add(1)
	go w.pump()
	return w, nil
}

// Add watches a directory for module file changes.
func (w *Watcher) Add(dir string) error {
	return w.fs.Add(dir)
}

// Close stops the background goroutine and the underlying watcher.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

// pump runs on the filesystem-event goroutine and must never act on
// events, only queue them.
func (w *Watcher) pump() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if kind, relevant := classify(ev.Op); relevant {
				w.Push(Event{Path: ev.Name, Kind: kind, Time: w.now()})
			}
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			// Watch errors are transient; the next scan pass reconciles.
		}
	}
}

func classify(op fsnotify.Op) (Kind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return KindCreate, true
	case op.Has(fsnotify.Write):
		return KindWrite, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return KindRemove, true
	}
	return 0, false
}
