package buffer

import "syscall"

const initialChunkCount = 2

// ChainBuffer is a growable byte buffer built from a chain of fixed-size
// chunks, used for one connection's read side and write side. It is not
// safe for concurrent use; callers serialize access per connection via
// the per-tag state machine.
type ChainBuffer struct {
	head         *chunk
	tail         *chunk // last chunk in the list, always has free capacity at creation
	lastWithData *chunk // last chunk that contains unread data

	readTicketOut  bool // a VectorTicket from ReadableIovecs is outstanding
	writeTicketOut bool // a VectorTicket from WriteableIovecs is outstanding
}

// NewChainBuffer creates an empty ChainBuffer seeded with a small number
// of chunks so the first reads/writes don't pay an allocation.
func NewChainBuffer() *ChainBuffer {
	b := &ChainBuffer{head: getChunk()}
	b.tail = b.head
	b.lastWithData = b.head
	b.expand(initialChunkCount - 1)
	return b
}

func (b *ChainBuffer) expand(n int) {
	for i := 0; i < n; i++ {
		c := getChunk()
		b.tail.next = c
		b.tail = c
	}
}

// Release returns every chunk in the buffer to the shared pool. Callers
// must not use the ChainBuffer again after calling Release - it is meant
// to run once, when the owning connection closes.
func (b *ChainBuffer) Release() {
	for c := b.head; c != nil; {
		next := c.next
		putChunk(c)
		c = next
	}
	b.head, b.tail, b.lastWithData = nil, nil, nil
}

// Len returns the number of readable bytes currently buffered.
func (b *ChainBuffer) Len() int {
	total := 0
	for c := b.head; ; c = c.next {
		total += c.readableSize()
		if c == b.lastWithData {
			break
		}
	}
	return total
}

// Write appends data to the buffer, growing the chunk chain as needed. It
// always consumes all of data and returns len(data).
func (b *ChainBuffer) Write(data []byte) int {
	written := 0
	c := b.lastWithData
	for written < len(data) {
		if c.writeableSize() == 0 {
			if c.next == nil {
				b.expand(1)
			}
			c = c.next
		}
		n := c.writeInto(data[written:])
		written += n
		b.lastWithData = c
	}
	return written
}

// Read copies buffered data into dst, returning the number of bytes copied
// (0 if the buffer is empty). Chunks that are fully drained are recycled
// onto the tail of the chain for reuse as write capacity.
func (b *ChainBuffer) Read(dst []byte) int {
	transferred := 0
	for transferred < len(dst) {
		c := b.head
		n := c.readFrom(dst[transferred:])
		transferred += n

		if c.readableSize() != 0 {
			break // dst filled before draining this chunk
		}
		atLast := c == b.lastWithData
		if c != b.tail {
			b.recycleHead()
		} else {
			c.reset()
		}
		if atLast {
			b.lastWithData = b.head
			break
		}
	}
	return transferred
}

// recycleHead detaches the (fully drained) head chunk and reappends it at
// the tail, reset to empty.
func (b *ChainBuffer) recycleHead() {
	c := b.head
	b.head = c.next
	c.next = nil
	c.reset()
	b.tail.next = c
	b.tail = c
}

// ReadableIovecs materializes the buffer's readable region as a pinned
// scatter-gather vector and returns a VectorTicket for releasing it once
// the completion for the corresponding read-side submission arrives.
// Replaces the paired move/destroy calls of the original design with a
// single Release(n) call.
func (b *ChainBuffer) ReadableIovecs() (*VectorTicket, []syscall.Iovec) {
	if b.readTicketOut {
		panic("buffer: ReadableIovecs called with a read-side ticket already outstanding")
	}
	var chunks []*chunk
	for c := b.head; ; c = c.next {
		chunks = append(chunks, c)
		if c == b.lastWithData {
			break
		}
	}
	iovecs := make([]syscall.Iovec, len(chunks))
	for i, c := range chunks {
		iovecs[i] = newIovec(c.buf[c.readIdx:c.writeIdx])
	}
	b.readTicketOut = true
	return &VectorTicket{buffer: b, chunks: chunks, forWrite: false}, iovecs
}

// WriteableIovecs materializes the buffer's free capacity (from head
// through tail) as a pinned scatter-gather vector and returns a
// VectorTicket for releasing it once the completion for the
// corresponding write-side submission arrives.
func (b *ChainBuffer) WriteableIovecs() (*VectorTicket, []syscall.Iovec) {
	if b.writeTicketOut {
		panic("buffer: WriteableIovecs called with a write-side ticket already outstanding")
	}
	var chunks []*chunk
	for c := b.head; c != nil; c = c.next {
		chunks = append(chunks, c)
	}
	iovecs := make([]syscall.Iovec, len(chunks))
	for i, c := range chunks {
		iovecs[i] = newIovec(c.buf[c.writeIdx:])
	}
	b.writeTicketOut = true
	return &VectorTicket{buffer: b, chunks: chunks, forWrite: true}, iovecs
}
