//go:build giouring
// +build giouring

// Package uring implements Ring using github.com/pawelgaczynski/giouring,
// a cgo-free liburing binding, for builds that opt into it via -tags giouring.
package uring

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/blitzio/blitzio/internal/logging"
)

func newPlatformRing(config Config) (Ring, error) {
	return NewRealRing(config)
}

type realRing struct {
	mu   sync.Mutex
	ring *giouring.Ring
}

// NewRealRing creates a Ring backed by the real kernel io_uring via giouring.
func NewRealRing(config Config) (Ring, error) {
	entries := config.Entries
	if entries == 0 {
		entries = 128
	}

	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("giouring.CreateRing: %w", err)
	}

	logging.Default().With("uring").Info("created io_uring via giouring", "entries", entries)
	return &realRing{ring: ring}, nil
}

func (r *realRing) Close() error {
	r.ring.QueueExit()
	return nil
}

func (r *realRing) getSQE() (*giouring.SubmissionQueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return nil, ErrRingFull
	}
	return sqe, nil
}

func (r *realRing) SubmitAccept(listenFd int32, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareAccept(int(listenFd), 0, 0, 0)
	sqe.UserData = userData
	return nil
}

// SubmitMultishotAccept prepares a multishot accept: one SQE, many
// completions, until the kernel reports it needs rearming.
func (r *realRing) SubmitMultishotAccept(listenFd int32, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareMultishotAccept(int(listenFd), 0, 0, 0)
	sqe.UserData = userData
	return nil
}

func (r *realRing) SubmitRead(fd int32, buf []byte, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	var addr uintptr
	if len(buf) > 0 {
		addr = uintptr(unsafe.Pointer(&buf[0]))
	}
	sqe.PrepareRead(int(fd), addr, uint32(len(buf)), 0)
	sqe.UserData = userData
	return nil
}

func (r *realRing) SubmitWrite(fd int32, buf []byte, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	var addr uintptr
	if len(buf) > 0 {
		addr = uintptr(unsafe.Pointer(&buf[0]))
	}
	sqe.PrepareWrite(int(fd), addr, uint32(len(buf)), 0)
	sqe.UserData = userData
	return nil
}

func (r *realRing) SubmitReadv(fd int32, iovecs []syscall.Iovec, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	var addr uintptr
	if len(iovecs) > 0 {
		addr = uintptr(unsafe.Pointer(&iovecs[0]))
	}
	sqe.PrepareReadv(int(fd), addr, uint32(len(iovecs)), 0)
	sqe.UserData = userData
	return nil
}

func (r *realRing) SubmitWritev(fd int32, iovecs []syscall.Iovec, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	var addr uintptr
	if len(iovecs) > 0 {
		addr = uintptr(unsafe.Pointer(&iovecs[0]))
	}
	sqe.PrepareWritev(int(fd), addr, uint32(len(iovecs)), 0)
	sqe.UserData = userData
	return nil
}

func (r *realRing) SubmitClose(fd int32, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.PrepareClose(int(fd))
	sqe.UserData = userData
	return nil
}

func (r *realRing) SubmitSignalRead(fd int32, buf []byte, userData uint64) error {
	return r.SubmitRead(fd, buf, userData)
}

func (r *realRing) SubmitTimerRead(fd int32, buf []byte, userData uint64) error {
	return r.SubmitRead(fd, buf, userData)
}

func (r *realRing) FlushSubmissions() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.ring.Submit()
	if err != nil {
		if err == syscall.EINTR || err == syscall.EAGAIN {
			return 0, nil
		}
		return 0, fmt.Errorf("ring.Submit: %w", err)
	}
	return n, nil
}

func (r *realRing) Wait(timeoutMs int) ([]Result, error) {
	waitNr := uint32(1)
	if timeoutMs == 0 {
		waitNr = 0
	}

	r.mu.Lock()
	_, err := r.ring.SubmitAndWait(waitNr)
	r.mu.Unlock()
	if err != nil && err != syscall.EINTR {
		return nil, fmt.Errorf("ring.SubmitAndWait: %w", err)
	}

	const batchSize = 256
	var cqes [batchSize]*giouring.CompletionQueueEvent
	var results []Result

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		peeked := r.ring.PeekBatchCQE(cqes[:])
		for _, cqe := range cqes[:peeked] {
			res := &realResult{userData: cqe.UserData, value: cqe.Res}
			if cqe.Res < 0 {
				res.err = syscall.Errno(-cqe.Res)
			}
			results = append(results, res)
		}
		r.ring.CQAdvance(peeked)
		if peeked < uint32(len(cqes)) {
			break
		}
	}
	return results, nil
}

type realResult struct {
	userData uint64
	value    int32
	err      error
}

func (r *realResult) UserData() uint64 { return r.userData }
func (r *realResult) Value() int32     { return r.value }
func (r *realResult) Error() error     { return r.err }
