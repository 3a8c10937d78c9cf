package records

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/recordflow/internal/model"
)

// Handler consumes committed record events.
type Handler func(ctx context.Context, e model.Event)

// eventQueue is a FIFO of one record's pending events.
type eventQueue struct {
	events []model.Event
}

func (q *eventQueue) enqueue(e model.Event) {
	q.events = append(q.events, e)
}

func (q *eventQueue) tryDequeue() (model.Event, bool) {
	if len(q.events) == 0 {
		return model.Event{}, false
	}
	e := q.events[0]
	// Clear the slot so the snapshot data can be collected.
	q.events[0] = model.Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Dispatcher delivers events to handlers off the write path. Each record
// has its own queue drained by a single goroutine, so one record's events
// reach handlers in commit order while different records proceed in parallel.
//
// Thread-safety: Dispatcher is safe for concurrent use.
type Dispatcher struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers []Handler
	queues   map[string]*eventQueue
	pending  int
	idle     []chan struct{}
	closed   bool
}

// NewDispatcher creates a Dispatcher with no handlers.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]*eventQueue),
	}
}

// Subscribe registers a handler for every later event.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Publish queues e behind every earlier event of the same record.
// Events published after Close are dropped.
func (d *Dispatcher) Publish(e model.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	q, running := d.queues[e.RecordID]
	if !running {
		q = &eventQueue{}
		d.queues[e.RecordID] = q
	}
	q.enqueue(e)
	d.pending++
	if !running {
		go d.drain(e.RecordID, q)
	}
}

// drain is the single consumer of one record's queue. It exits once the
// queue is empty; the next Publish starts a new consumer.
func (d *Dispatcher) drain(recordID string, q *eventQueue) {
	for {
		d.mu.Lock()
		e, ok := q.tryDequeue()
		if !ok {
			delete(d.queues, recordID)
			d.mu.Unlock()
			return
		}
		handlers := d.handlers
		d.mu.Unlock()

		for _, h := range handlers {
			d.deliver(h, e)
		}
		d.done()
	}
}

func (d *Dispatcher) deliver(h Handler, e model.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"record", e.RecordID,
				"seq", e.Seq,
				"panic", r)
		}
	}()
	h(d.ctx, e)
}

func (d *Dispatcher) done() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending--
	if d.pending == 0 {
		for _, ch := range d.idle {
			close(ch)
		}
		d.idle = nil
	}
}

// Drain blocks until every published event has been handled.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	if d.pending == 0 {
		d.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	d.idle = append(d.idle, ch)
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of events not yet handled.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Close stops accepting events and cancels the context handed to handlers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
}
