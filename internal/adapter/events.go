package adapter

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/njoerd114/flatsync/internal/model"
)

// Event is one of [AuthStatusChange], [AuthError], [Change] or [SyncFatal].
type Event interface {
	event()
}

// AuthStatusChange reports a transition into or out of the logged-in state.
type AuthStatusChange struct {
	LoggedIn bool
}

// AuthError reports a failed login or a credential rejected mid-session.
type AuthError struct {
	Cause error
}

// Change reports a remote change applied to the local copy.
type Change struct {
	Address model.Address
	Value   json.RawMessage
	Removed bool
}

// SyncFatal reports a collection whose replay halted on a permanent error.
// Its backlog stays queued until the next login.
type SyncFatal struct {
	Address model.Address
	Cause   error
}

func (AuthStatusChange) event() {}
func (AuthError) event()        {}
func (Change) event()           {}
func (SyncFatal) event()        {}

// dispatcher delivers events to subscribers from a single goroutine, in the
// order they were published. Publishing never blocks.
type dispatcher struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
	queue  []Event
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		log:  logger,
		subs: make(map[int]func(Event)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) subscribe(fn func(Event)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

func (d *dispatcher) publish(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, ev)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close delivers what is already queued and stops the loop.
func (d *dispatcher) close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.wake)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for range d.wake {
		d.flush()
	}
	d.flush()
}

func (d *dispatcher) flush() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue = d.queue[1:]
		subs := make([]func(Event), 0, len(d.subs))
		for id := 0; id < d.nextID; id++ {
			if fn, ok := d.subs[id]; ok {
				subs = append(subs, fn)
			}
		}
		d.mu.Unlock()

		for _, fn := range subs {
			d.deliver(fn, ev)
		}
	}
}

func (d *dispatcher) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event subscriber panicked", "event", ev, "panic", r)
		}
	}()
	fn(ev)
}
