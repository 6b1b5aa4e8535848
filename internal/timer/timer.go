// Package timer implements the ordered per-connection idle-timeout set.
package timer

import (
	"container/heap"
	"time"

	"github.com/blitzio/blitzio/internal/conn"
)

// entry pairs a deadline with the connection handle it belongs to.
type entry struct {
	deadline time.Time
	handle   conn.ConnHandle
	index    int // heap.Interface bookkeeping
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Callback is invoked once per expired entry, from Tick, with the
// connection that timed out.
type Callback func(handle conn.ConnHandle)

// Timer is an ordered set of (deadline, connection) entries. A connection
// appears at most once; Add replaces any existing entry for the same
// handle. It is not safe for concurrent use - the design owns exactly one
// Timer, touched only from the main server goroutine.
type Timer struct {
	h        entryHeap
	byHandle map[conn.ConnHandle]*entry
	period   time.Duration
	cb       Callback
}

// New creates a Timer with no registered callback or idle period; call
// RegisterTimeoutCallback before the first Add.
func New() *Timer {
	return &Timer{byHandle: make(map[conn.ConnHandle]*entry)}
}

// RegisterTimeoutCallback stores cb and the default per-connection idle
// period. A period of zero disables the timer: Add becomes a no-op.
func (t *Timer) RegisterTimeoutCallback(cb Callback, period time.Duration) {
	t.cb = cb
	t.period = period
}

// Add inserts (now+period, handle). A no-op when the configured idle
// period is zero, matching the original's treatment of a disabled timer
// at the insertion point rather than only at tick-arming time. If handle
// is already present its deadline is refreshed.
func (t *Timer) Add(handle conn.ConnHandle) {
	if t.period == 0 {
		return
	}
	t.Remove(handle)
	e := &entry{deadline: time.Now().Add(t.period), handle: handle}
	t.byHandle[handle] = e
	heap.Push(&t.h, e)
}

// Remove erases every entry for handle (there is at most one).
func (t *Timer) Remove(handle conn.ConnHandle) {
	e, ok := t.byHandle[handle]
	if !ok {
		return
	}
	heap.Remove(&t.h, e.index)
	delete(t.byHandle, handle)
}

// Tick invokes the callback for every entry whose deadline has passed,
// then erases it. Entries are drained in deadline order.
func (t *Timer) Tick() {
	if t.cb == nil {
		return
	}
	now := time.Now()
	for t.h.Len() > 0 && !t.h[0].deadline.After(now) {
		e := heap.Pop(&t.h).(*entry)
		delete(t.byHandle, e.handle)
		t.cb(e.handle)
	}
}

// Len reports the number of entries currently tracked, for tests.
func (t *Timer) Len() int { return t.h.Len() }
