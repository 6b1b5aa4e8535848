package buffer

import "syscall"

// newIovec builds a syscall.Iovec pointing at region. region must not be
// reallocated or go out of scope before the corresponding io_uring
// submission completes - chunk buffers are fixed-size arrays embedded in
// the chunk struct, so this holds as long as the chunk itself is pinned by
// an outstanding VectorTicket.
func newIovec(region []byte) syscall.Iovec {
	if len(region) == 0 {
		return syscall.Iovec{}
	}
	iov := syscall.Iovec{Base: &region[0]}
	iov.SetLen(len(region))
	return iov
}

// VectorTicket pins the chunks backing one in-flight scatter-gather
// io_uring submission against a ChainBuffer. Once the kernel completion
// arrives, the caller calls Release with the number of bytes the kernel
// actually transferred; Release advances the buffer's indices and, for a
// readable-side ticket, recycles any chunks the transfer fully drained.
//
// This replaces the original design's separate "move index" and "destroy
// iovecs" calls with a single call, removing the chance of a caller
// advancing indices without also releasing the iovecs (or vice versa).
type VectorTicket struct {
	buffer   *ChainBuffer
	chunks   []*chunk
	forWrite bool // true: chunks were offered as free capacity for an incoming read
	released bool
}

// Release advances the buffer by n bytes - the amount the kernel actually
// transferred for this ticket's submission - and returns the chunk chain
// to a consistent state. n must not exceed the total capacity originally
// offered by this ticket. Releasing the same ticket twice panics: it would
// double-advance indices against chunk state a second completion never
// actually produced.
func (t *VectorTicket) Release(n int) {
	if t.released {
		panic("buffer: VectorTicket released twice")
	}
	t.released = true
	if t.forWrite {
		t.buffer.writeTicketOut = false
		t.releaseIncoming(n)
		return
	}
	t.buffer.readTicketOut = false
	t.releaseOutgoing(n)
}

// releaseIncoming marks n freshly-received bytes as valid, advancing
// writeIdx across the chunks that received them (used after a read into
// WriteableIovecs' free capacity).
func (t *VectorTicket) releaseIncoming(n int) {
	remaining := n
	var last *chunk
	for _, c := range t.chunks {
		if remaining == 0 {
			break
		}
		free := c.writeableSize()
		take := free
		if take > remaining {
			take = remaining
		}
		c.writeIdx += take
		remaining -= take
		last = c
	}
	if last != nil {
		t.buffer.lastWithData = last
	}
}

// releaseOutgoing marks n bytes as consumed, advancing readIdx across the
// chunks that held them (used after a write drained ReadableIovecs'
// readable region), and recycles any chunk left fully empty.
func (t *VectorTicket) releaseOutgoing(n int) {
	remaining := n
	for _, c := range t.chunks {
		if remaining == 0 {
			break
		}
		avail := c.readableSize()
		take := avail
		if take > remaining {
			take = remaining
		}
		c.readIdx += take
		remaining -= take

		if c.readableSize() == 0 && c != t.buffer.tail && c == t.buffer.head {
			t.buffer.recycleHead()
		}
	}
}
