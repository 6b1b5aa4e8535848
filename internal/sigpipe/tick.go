package sigpipe

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/blitzio/blitzio/internal/conn"
)

// TickSource wraps a Linux timerfd used to drive the main loop's periodic
// Timer.Tick() call. Re-architected from the original's process-wide
// TickEvent singleton into a struct field owned by the server (SPEC_FULL
// §9): constructed in NewServer, armed by Run and re-armed after every
// tick, closed by the server's teardown.
type TickSource struct {
	fd int
}

// NewTickSource creates an unarmed timerfd.
func NewTickSource() (*TickSource, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &TickSource{fd: fd}, nil
}

// Tag identifies a TickSource as the TIMEOUT variant of conn.Event.
func (t *TickSource) Tag() conn.Tag { return conn.TagTimeout }

// Fd returns the timerfd, which the EventQueue submits a read against.
func (t *TickSource) Fd() int32 { return int32(t.fd) }

// Arm sets the timer to fire once after period. The caller re-arms after
// each completion; period == 0 disables the timer rather than being an
// error.
func (t *TickSource) Arm(period time.Duration) error {
	spec := &unix.ItimerSpec{
		Value: unix.NsecToTimespec(period.Nanoseconds()),
	}
	return unix.TimerfdSettime(t.fd, 0, spec, nil)
}

// Close releases the timerfd.
func (t *TickSource) Close() error {
	return unix.Close(t.fd)
}
