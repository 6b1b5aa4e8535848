// Package uring provides interfaces for io_uring operations used by the
// server's accept/read/write/close/timer/signal dispatch loop.
package uring

import (
	"errors"
	"syscall"

	"github.com/blitzio/blitzio/internal/logging"
)

// ErrRingFull is returned when the submission queue has no free slot.
// The worker's backoff layer treats this as transient and retries.
var ErrRingFull = errors.New("submission queue full")

// Ring provides the io_uring operations a worker needs to drive a set of
// TCP connections plus the listener, timer, and signal file descriptors.
// UserData on a submitted SQE is the address of the conn.Event it belongs
// to, or 0 for a wake-pipe read, round-tripped unchanged through the
// completion's UserData().
type Ring interface {
	// Close closes the ring and releases resources.
	Close() error

	// SubmitAccept prepares an accept on listenFd. userData is normally
	// the uintptr of an *conn.Event tagged Accept.
	SubmitAccept(listenFd int32, userData uint64) error

	// SubmitMultishotAccept prepares a multishot accept on listenFd: the
	// kernel keeps producing one completion per inbound connection off a
	// single SQE, until cancelled or an error completion is observed. The
	// caller only needs to resubmit if a completion arrives without the
	// kernel's "more completions coming" flag, which this design folds
	// into an ordinary one-shot rearm at the Acceptor's discretion.
	SubmitMultishotAccept(listenFd int32, userData uint64) error

	// SubmitRead prepares a read of up to len(buf) bytes from fd into buf.
	SubmitRead(fd int32, buf []byte, userData uint64) error

	// SubmitWrite prepares a write of buf to fd.
	SubmitWrite(fd int32, buf []byte, userData uint64) error

	// SubmitReadv prepares a scatter read of fd into iovecs, covering
	// possibly many ChainBuffer chunks in a single kernel submission. The
	// caller must keep iovecs (and the chunk memory it points into) pinned
	// until the matching completion is drained.
	SubmitReadv(fd int32, iovecs []syscall.Iovec, userData uint64) error

	// SubmitWritev prepares a gather write of iovecs to fd, symmetric
	// with SubmitReadv.
	SubmitWritev(fd int32, iovecs []syscall.Iovec, userData uint64) error

	// SubmitClose prepares a close of fd.
	SubmitClose(fd int32, userData uint64) error

	// SubmitSignalRead prepares a read from the self-pipe signal fd.
	SubmitSignalRead(fd int32, buf []byte, userData uint64) error

	// SubmitTimerRead prepares a read from a timerfd.
	SubmitTimerRead(fd int32, buf []byte, userData uint64) error

	// FlushSubmissions submits all prepared SQEs with a single
	// io_uring_enter syscall and returns the number submitted.
	FlushSubmissions() (uint32, error)

	// Wait returns the completions observed. With timeoutMs == 0 it does
	// not block; with any other value the kernel-backed rings block until
	// at least one completion is available and do not apply timeoutMs as a
	// deadline. StubRing never blocks.
	Wait(timeoutMs int) ([]Result, error)
}

// Result represents the result of a completed operation.
type Result interface {
	// UserData returns the user data associated with this result -
	// the uintptr of the *conn.Event that was submitted.
	UserData() uint64

	// Value returns the result value: bytes transferred on success,
	// or the negated errno on failure.
	Value() int32

	// Error returns a non-nil error if Value() was negative.
	Error() error
}

// Features describes available io_uring features, probed against the
// running kernel rather than assumed.
type Features struct {
	SQE128    bool // 128-byte SQEs supported
	CQE32     bool // 32-byte CQEs supported
	SQPOLL    bool // Kernel-side polling supported
	Multishot bool // IORING_ACCEPT_MULTISHOT supported
}

// Config contains configuration for creating a ring.
type Config struct {
	Entries uint32 // Number of entries in the submission/completion rings
	Flags   uint32 // Additional io_uring_setup flags
}

// NewRing creates a new Ring implementation. Real io_uring support is
// selected at build time via the giouring tag; otherwise the hand-rolled
// minimal implementation is used.
func NewRing(config Config) (Ring, error) {
	logger := logging.Default().With("uring")
	logger.Debug("creating io_uring", "entries", config.Entries)

	ring, err := newPlatformRing(config)
	if err != nil {
		logger.Error("failed to create io_uring", "error", err)
		return nil, err
	}

	logger.Info("created io_uring", "entries", config.Entries)
	return ring, nil
}
