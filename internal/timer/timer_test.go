package timer

import (
	"testing"
	"time"

	"github.com/blitzio/blitzio/internal/conn"
)

func handleFor(fd int32) conn.ConnHandle {
	c := conn.NewConnection(fd)
	return c.Handle()
}

func TestTimerAddNoOpWhenDisabled(t *testing.T) {
	tm := New()
	tm.RegisterTimeoutCallback(func(conn.ConnHandle) {}, 0)
	tm.Add(handleFor(1))
	if tm.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 with a disabled timer", tm.Len())
	}
}

func TestTimerTickFiresExpiredEntries(t *testing.T) {
	tm := New()
	var fired []conn.ConnHandle
	tm.RegisterTimeoutCallback(func(h conn.ConnHandle) { fired = append(fired, h) }, time.Millisecond)

	h := handleFor(1)
	tm.Add(h)
	time.Sleep(5 * time.Millisecond)
	tm.Tick()

	if len(fired) != 1 || fired[0] != h {
		t.Fatalf("fired = %v, want exactly one entry for %v", fired, h)
	}
	if tm.Len() != 0 {
		t.Fatalf("Len() after tick = %d, want 0", tm.Len())
	}
}

func TestTimerTickIgnoresUnexpiredEntries(t *testing.T) {
	tm := New()
	fired := 0
	tm.RegisterTimeoutCallback(func(conn.ConnHandle) { fired++ }, time.Hour)
	tm.Add(handleFor(1))
	tm.Tick()
	if fired != 0 {
		t.Fatalf("fired = %d, want 0 before deadline", fired)
	}
}

func TestTimerRemove(t *testing.T) {
	tm := New()
	tm.RegisterTimeoutCallback(func(conn.ConnHandle) {}, time.Millisecond)
	h := handleFor(1)
	tm.Add(h)
	tm.Remove(h)
	if tm.Len() != 0 {
		t.Fatalf("Len() after Remove = %d, want 0", tm.Len())
	}
}

func TestTimerAddTwiceReplacesDeadline(t *testing.T) {
	tm := New()
	tm.RegisterTimeoutCallback(func(conn.ConnHandle) {}, time.Hour)
	h := handleFor(1)
	tm.Add(h)
	tm.Add(h)
	if tm.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (re-Add should replace, not duplicate)", tm.Len())
	}
}

func TestTimerOrdersMultipleEntriesByDeadline(t *testing.T) {
	tm := New()
	var fired []conn.ConnHandle
	tm.RegisterTimeoutCallback(func(h conn.ConnHandle) { fired = append(fired, h) }, 0)

	h1, h2, h3 := handleFor(1), handleFor(2), handleFor(3)
	tm.period = 3 * time.Millisecond
	tm.Add(h1)
	tm.period = time.Millisecond
	tm.Add(h2)
	tm.period = 2 * time.Millisecond
	tm.Add(h3)

	time.Sleep(10 * time.Millisecond)
	tm.Tick()

	if len(fired) != 3 || fired[0] != h2 || fired[1] != h3 || fired[2] != h1 {
		t.Fatalf("fired order = %v, want [h2 h3 h1]", fired)
	}
}
