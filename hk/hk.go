// Package hk provides a mechanism for registering cleanup/retry
// functions which are invoked at specified intervals, mirroring the
// aistore hk package's documented contract. Its one registrant is the
// stats package's disk I/O gauge refresh; connection backoff and
// exchange eviction do not go through it.
/*
 * Adapted from the aistore project's hk package.
 */
package hk

import (
	"sync"
	"time"
)

// Func returns the duration until it should run again; returning <= 0
// unregisters it.
type Func func() time.Duration

type entry struct {
	name string
	fn   Func
	next time.Time
}

type Housekeeper struct {
	mu      sync.Mutex
	entries map[string]*entry
	stop    chan struct{}
	wake    chan struct{}
}

// DefaultHK is the process-wide housekeeper, started once by the
// worker's top-level Run.
var DefaultHK = New()

func New() *Housekeeper {
	return &Housekeeper{
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Reg registers fn to run first after the given initial delay (0 means
// "as soon as the housekeeper ticks").
func (h *Housekeeper) Reg(name string, fn Func, initial time.Duration) {
	h.mu.Lock()
	h.entries[name] = &entry{name: name, fn: fn, next: time.Now().Add(initial)}
	h.mu.Unlock()
	h.poke()
}

func (h *Housekeeper) Unreg(name string) {
	h.mu.Lock()
	delete(h.entries, name)
	h.mu.Unlock()
}

func (h *Housekeeper) poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run blocks until Stop is called, periodically invoking every
// registered entry whose deadline has elapsed.
func (h *Housekeeper) Run() {
	const tick = 250 * time.Millisecond
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-h.wake:
		case <-t.C:
		}
		h.runDue()
	}
}

func (h *Housekeeper) runDue() {
	now := time.Now()
	var due []*entry
	h.mu.Lock()
	for _, e := range h.entries {
		if !e.next.After(now) {
			due = append(due, e)
		}
	}
	h.mu.Unlock()

	for _, e := range due {
		wait := e.fn()
		if wait <= 0 {
			h.Unreg(e.name)
			continue
		}
		h.mu.Lock()
		if cur, ok := h.entries[e.name]; ok {
			cur.next = time.Now().Add(wait)
		}
		h.mu.Unlock()
	}
}

func (h *Housekeeper) Stop() { close(h.stop) }
