// Package sigpipe implements the self-pipe bridges the main EventQueue
// reads from: one for OS signal delivery, one for the periodic tick.
package sigpipe

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/blitzio/blitzio/internal/conn"
)

// SignalSource bridges os/signal delivery into a non-blocking pipe so it
// can be read via the same completion-based Ring as every other event.
// Re-architected from the original's process-wide SignalEvent singleton
// into a struct field owned by the server (SPEC_FULL §9): constructed in
// NewServer, torn down in Stop.
type SignalSource struct {
	readFd  int
	writeFd int

	notifyCh chan os.Signal
	stopCh   chan struct{}

	curSignal int
}

// NewSignalSource creates the self-pipe and starts the bridging goroutine.
// No signals are delivered until Watch registers at least one.
func NewSignalSource() (*SignalSource, error) {
	fds, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	if err != nil {
		return nil, err
	}
	s := &SignalSource{
		readFd:   fds[0],
		writeFd:  fds[1],
		notifyCh: make(chan os.Signal, 16),
		stopCh:   make(chan struct{}),
	}
	go s.bridge()
	return s, nil
}

// Watch registers sig with os/signal so it is forwarded through the pipe.
func (s *SignalSource) Watch(sig os.Signal) {
	signal.Notify(s.notifyCh, sig)
}

func (s *SignalSource) bridge() {
	for {
		select {
		case sig := <-s.notifyCh:
			num := signalNumber(sig)
			// Single-byte non-blocking write, matching the original's pipe
			// convention: a blocked read side is always armed, so this
			// never backs up under normal operation.
			unix.Write(s.writeFd, []byte{byte(num)})
		case <-s.stopCh:
			return
		}
	}
}

// Tag identifies a SignalSource as the SIGNAL variant of conn.Event.
func (s *SignalSource) Tag() conn.Tag { return conn.TagSignal }

// ReadFd returns the pipe's read end, which the EventQueue submits a read
// against.
func (s *SignalSource) ReadFd() int32 { return int32(s.readFd) }

// CurSignal decodes the most recently read byte into a signal number.
// The current-signal field is intentionally overwritten per delivery,
// matching the original: consecutive signals are serialized through the
// single-byte pipe rather than queued as distinct events.
func (s *SignalSource) CurSignal(b byte) int {
	s.curSignal = int(b)
	return s.curSignal
}

// Close stops the bridging goroutine and closes both pipe ends.
func (s *SignalSource) Close() error {
	signal.Stop(s.notifyCh)
	close(s.stopCh)
	unix.Close(s.writeFd)
	return unix.Close(s.readFd)
}

func signalNumber(sig os.Signal) int {
	if n, ok := sig.(syscall.Signal); ok {
		return int(n)
	}
	return 0
}
