package sync

import (
	"sync"

	"github.com/tildaslashalef/cardvault/internal/conflict"
)

// Unsubscribe removes a previously registered listener. Calling it more than
// once is harmless.
type Unsubscribe func()

// StatusListener is notified when the orchestrator changes state
type StatusListener func(Status)

// ConflictListener is notified when a sync run detects a conflict
type ConflictListener func(*conflict.Conflict)

// ProgressListener is notified as a sync run drains the queue
type ProgressListener func(Progress)

// observers is the listener registry. Listeners are invoked synchronously in
// registration order; they must not block.
type observers struct {
	mu       sync.Mutex
	nextID   int
	status   map[int]StatusListener
	conflict map[int]ConflictListener
	progress map[int]ProgressListener
}

func newObservers() *observers {
	return &observers{
		status:   make(map[int]StatusListener),
		conflict: make(map[int]ConflictListener),
		progress: make(map[int]ProgressListener),
	}
}

func (o *observers) onStatusChange(fn StatusListener) Unsubscribe {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.status[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.status, id)
		o.mu.Unlock()
	}
}

func (o *observers) onConflict(fn ConflictListener) Unsubscribe {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.conflict[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.conflict, id)
		o.mu.Unlock()
	}
}

func (o *observers) onProgress(fn ProgressListener) Unsubscribe {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.progress[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.progress, id)
		o.mu.Unlock()
	}
}

func (o *observers) notifyStatus(s Status) {
	for _, fn := range o.snapshotStatus() {
		fn(s)
	}
}

func (o *observers) notifyConflict(c *conflict.Conflict) {
	o.mu.Lock()
	listeners := make([]ConflictListener, 0, len(o.conflict))
	for _, fn := range o.conflict {
		listeners = append(listeners, fn)
	}
	o.mu.Unlock()

	for _, fn := range listeners {
		fn(c)
	}
}

func (o *observers) notifyProgress(p Progress) {
	o.mu.Lock()
	listeners := make([]ProgressListener, 0, len(o.progress))
	for _, fn := range o.progress {
		listeners = append(listeners, fn)
	}
	o.mu.Unlock()

	for _, fn := range listeners {
		fn(p)
	}
}

func (o *observers) snapshotStatus() []StatusListener {
	o.mu.Lock()
	defer o.mu.Unlock()
	listeners := make([]StatusListener, 0, len(o.status))
	for _, fn := range o.status {
		listeners = append(listeners, fn)
	}
	return listeners
}
