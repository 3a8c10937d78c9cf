// Package keylock provides per-key mutual exclusion.
//
// The record store holds one key per record id, the workflow engine one per
// run id and one per (workflow, record) trigger pair. Entries are reference
// counted and dropped once no goroutine holds or waits for them.
package keylock

import (
	"log/slog"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// Detection controls go-deadlock's checks for every Locker in the process.
type Detection struct {
	// Enabled turns on lock-order and wait-time checks. Disabled mutexes
	// behave like sync.Mutex and record no stacks.
	Enabled bool
	// Timeout reports a lock waited on for longer. Zero turns the wait-time
	// check off.
	Timeout time.Duration
}

// Configure applies d process-wide. Call it once at startup before any
// Locker is in use. A potential deadlock is logged, never fatal.
func Configure(d Detection, logger *slog.Logger) {
	deadlock.Opts.Disable = !d.Enabled
	deadlock.Opts.DeadlockTimeout = d.Timeout
	deadlock.Opts.OnPotentialDeadlock = func() {
		logger.Error("potential deadlock detected", "timeout", d.Timeout)
	}
}

type entry struct {
	mu   deadlock.Mutex
	refs int
}

// Locker hands out one mutex per key.
//
// Thread-safety: Locker is safe for concurrent use.
type Locker struct {
	mu    deadlock.Mutex
	locks map[string]*entry
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the function that releases it.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
