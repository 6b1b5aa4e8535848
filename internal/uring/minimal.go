//go:build !giouring
// +build !giouring

// Package uring provides a hand-rolled io_uring binding for stream I/O
// (accept/read/write/close) when the module is built without the
// giouring tag.
package uring

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blitzio/blitzio/internal/logging"
)

// System call numbers for io_uring.
const (
	__NR_io_uring_setup = 425
	__NR_io_uring_enter = 426
)

// Opcodes used by the server's dispatch loop (include/uapi/linux/io_uring.h).
const (
	opReadv  = 1
	opWritev = 2
	opAccept = 13
	opClose  = 19
	opRead   = 22
	opWrite  = 23
)

const (
	enterGetEvents = 1 << 0
)

// ioringAcceptMultishot is IORING_ACCEPT_MULTISHOT: for the ACCEPT opcode
// this flag lives in the SQE's ioprio field rather than opcodeFlags.
const ioringAcceptMultishot = 1 << 0

// sqe64 mirrors the kernel's 64-byte struct io_uring_sqe layout.
type sqe64 struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	length      uint32
	opcodeFlags uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	_           uint64
}

// cqe16 mirrors the kernel's 16-byte struct io_uring_cqe layout.
type cqe16 struct {
	userData uint64
	res      int32
	flags    uint32
}

type ringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type ioUringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        ringOffsets
	cqOff        ringOffsets
}

// minimalRing implements Ring with raw io_uring_setup/io_uring_enter
// syscalls over plain accept/read/write/close SQEs.
type minimalRing struct {
	mu sync.Mutex

	fd     int
	params ioUringParams

	sqMem  []byte
	sqeMem []byte
	cqMem  []byte

	sqHead  *uint32
	sqTail  *uint32
	sqArray *uint32

	cqHead *uint32
	cqTail *uint32

	sqTailLocal uint32 // not yet published to the kernel
	toSubmit    uint32
}

func newPlatformRing(config Config) (Ring, error) {
	return NewMinimalRing(config.Entries, config.Flags)
}

// NewMinimalRing creates an io_uring instance sized for entries
// submission-queue slots.
func NewMinimalRing(entries uint32, flags uint32) (Ring, error) {
	logger := logging.Default().With("uring")

	if entries == 0 {
		entries = 128
	}

	params := ioUringParams{flags: flags}

	ringFdR, _, errno := syscall.Syscall(__NR_io_uring_setup, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		logger.Error("io_uring_setup failed", "errno", errno)
		return nil, fmt.Errorf("io_uring_setup: %v", errno)
	}
	ringFd := int(ringFdR)

	sqSize := params.sqOff.array + params.sqEntries*4
	sqeSize := params.sqEntries * uint32(unsafe.Sizeof(sqe64{}))
	cqSize := params.cqOff.cqes() + params.cqEntries*uint32(unsafe.Sizeof(cqe16{}))

	sqMem, err := unix.Mmap(ringFd, 0, int(sqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		syscall.Close(ringFd)
		return nil, fmt.Errorf("mmap sq ring: %w", err)
	}

	// SQEs live in a separate mmap region at offset 0x10000000 on modern
	// kernels; map it immediately after the SQ ring.
	const sqesOffset = 0x10000000
	sqeMem, err := unix.Mmap(ringFd, sqesOffset, int(sqeSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMem)
		syscall.Close(ringFd)
		return nil, fmt.Errorf("mmap sqes: %w", err)
	}

	const cqOffset = 0x8000000
	cqMem, err := unix.Mmap(ringFd, cqOffset, int(cqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMem)
		unix.Munmap(sqeMem)
		syscall.Close(ringFd)
		return nil, fmt.Errorf("mmap cq ring: %w", err)
	}

	r := &minimalRing{
		fd:      ringFd,
		params:  params,
		sqMem:   sqMem,
		cqMem:   cqMem,
		sqHead:  (*uint32)(unsafe.Add(unsafe.Pointer(&sqMem[0]), params.sqOff.head)),
		sqTail:  (*uint32)(unsafe.Add(unsafe.Pointer(&sqMem[0]), params.sqOff.tail)),
		sqArray: (*uint32)(unsafe.Add(unsafe.Pointer(&sqMem[0]), params.sqOff.array)),
		cqHead:  (*uint32)(unsafe.Add(unsafe.Pointer(&cqMem[0]), params.cqOff.head)),
		cqTail:  (*uint32)(unsafe.Add(unsafe.Pointer(&cqMem[0]), params.cqOff.tail)),
	}
	r.sqeMem = sqeMem
	r.sqTailLocal = *r.sqTail

	logger.Debug("io_uring ready", "sq_entries", params.sqEntries, "cq_entries", params.cqEntries)
	return r, nil
}

// cqes returns the byte offset of the cqes array. ringOffsets is shared
// between the kernel's sq and cq offset structs, which have identical
// layout but different field names at this position (sq: dropped, cq: cqes).
func (o ringOffsets) cqes() uint32 { return o.dropped }

func (r *minimalRing) Close() error {
	unix.Munmap(r.sqMem)
	unix.Munmap(r.sqeMem)
	unix.Munmap(r.cqMem)
	return syscall.Close(r.fd)
}

func (r *minimalRing) sqeSlot(index uint32) *sqe64 {
	return (*sqe64)(unsafe.Add(unsafe.Pointer(&r.sqeMem[0]), uintptr(index)*unsafe.Sizeof(sqe64{})))
}

func (r *minimalRing) prepare(opcode uint8, fd int32, addr uint64, length uint32, userData uint64) error {
	return r.prepareWithIoprio(opcode, fd, addr, length, 0, userData)
}

func (r *minimalRing) prepareWithIoprio(opcode uint8, fd int32, addr uint64, length uint32, ioprio uint16, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mask := r.params.sqEntries - 1
	if (r.sqTailLocal - *r.sqHead) >= r.params.sqEntries {
		return ErrRingFull
	}

	index := r.sqTailLocal & mask
	slot := r.sqeSlot(index)
	*slot = sqe64{
		opcode:   opcode,
		ioprio:   ioprio,
		fd:       fd,
		addr:     addr,
		length:   length,
		userData: userData,
	}
	*(*uint32)(unsafe.Add(unsafe.Pointer(r.sqArray), uintptr(index)*4)) = index

	r.sqTailLocal++
	r.toSubmit++
	return nil
}

func (r *minimalRing) SubmitAccept(listenFd int32, userData uint64) error {
	return r.prepare(opAccept, listenFd, 0, 0, userData)
}

// SubmitMultishotAccept prepares an ACCEPT SQE with IORING_ACCEPT_MULTISHOT
// set in ioprio, so the kernel keeps delivering one completion per inbound
// connection off this single submission.
func (r *minimalRing) SubmitMultishotAccept(listenFd int32, userData uint64) error {
	return r.prepareWithIoprio(opAccept, listenFd, 0, 0, ioringAcceptMultishot, userData)
}

func (r *minimalRing) SubmitRead(fd int32, buf []byte, userData uint64) error {
	var addr uint64
	if len(buf) > 0 {
		addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	return r.prepare(opRead, fd, addr, uint32(len(buf)), userData)
}

func (r *minimalRing) SubmitWrite(fd int32, buf []byte, userData uint64) error {
	var addr uint64
	if len(buf) > 0 {
		addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	return r.prepare(opWrite, fd, addr, uint32(len(buf)), userData)
}

// SubmitReadv and SubmitWritev pass the iovec array itself as the SQE's
// addr with length set to the iovec *count*, not a byte length - the
// kernel's READV/WRITEV opcodes interpret addr/length this way, unlike
// the plain READ/WRITE opcodes used by SubmitRead/SubmitWrite.
func (r *minimalRing) SubmitReadv(fd int32, iovecs []syscall.Iovec, userData uint64) error {
	if len(iovecs) == 0 {
		return r.prepare(opReadv, fd, 0, 0, userData)
	}
	addr := uint64(uintptr(unsafe.Pointer(&iovecs[0])))
	return r.prepare(opReadv, fd, addr, uint32(len(iovecs)), userData)
}

func (r *minimalRing) SubmitWritev(fd int32, iovecs []syscall.Iovec, userData uint64) error {
	if len(iovecs) == 0 {
		return r.prepare(opWritev, fd, 0, 0, userData)
	}
	addr := uint64(uintptr(unsafe.Pointer(&iovecs[0])))
	return r.prepare(opWritev, fd, addr, uint32(len(iovecs)), userData)
}

func (r *minimalRing) SubmitClose(fd int32, userData uint64) error {
	return r.prepare(opClose, fd, 0, 0, userData)
}

func (r *minimalRing) SubmitSignalRead(fd int32, buf []byte, userData uint64) error {
	return r.SubmitRead(fd, buf, userData)
}

func (r *minimalRing) SubmitTimerRead(fd int32, buf []byte, userData uint64) error {
	return r.SubmitRead(fd, buf, userData)
}

func (r *minimalRing) FlushSubmissions() (uint32, error) {
	r.mu.Lock()
	toSubmit := r.toSubmit
	r.toSubmit = 0
	// Every SQE write above must be globally visible before the kernel can
	// see the new tail, or it may read a stale slot.
	Sfence()
	*r.sqTail = r.sqTailLocal
	r.mu.Unlock()

	if toSubmit == 0 {
		return 0, nil
	}

	submitted, _, errno := syscall.Syscall6(__NR_io_uring_enter, uintptr(r.fd), uintptr(toSubmit), 0, 0, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("io_uring_enter(submit): %v", errno)
	}
	return uint32(submitted), nil
}

func (r *minimalRing) Wait(timeoutMs int) ([]Result, error) {
	if *r.cqHead == *r.cqTail {
		minComplete := uint32(1)
		if timeoutMs == 0 {
			minComplete = 0
		}
		_, _, errno := syscall.Syscall6(__NR_io_uring_enter, uintptr(r.fd), 0, uintptr(minComplete), uintptr(enterGetEvents), 0, 0)
		if errno != 0 && errno != syscall.EINTR {
			return nil, fmt.Errorf("io_uring_enter(wait): %v", errno)
		}
	}

	mask := r.params.cqEntries - 1
	var results []Result
	for *r.cqHead != *r.cqTail {
		index := *r.cqHead & mask
		slot := (*cqe16)(unsafe.Add(unsafe.Pointer(&r.cqMem[0]), uintptr(r.params.cqOff.cqes())+uintptr(index)*unsafe.Sizeof(cqe16{})))
		res := &minimalResult{userData: slot.userData, value: slot.res}
		if slot.res < 0 {
			res.err = syscall.Errno(-slot.res)
		}
		results = append(results, res)
		*r.cqHead++
	}
	return results, nil
}

// minimalResult implements the Result interface.
type minimalResult struct {
	userData uint64
	value    int32
	err      error
}

func (r *minimalResult) UserData() uint64 { return r.userData }
func (r *minimalResult) Value() int32     { return r.value }
func (r *minimalResult) Error() error     { return r.err }
