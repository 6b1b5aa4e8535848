// Package buffer implements ChainBuffer, a per-connection read/write
// buffer built from a singly linked list of fixed-size chunks, plus the
// scatter-gather materialization needed to hand its memory to io_uring.
package buffer

import "github.com/blitzio/blitzio/internal/constants"

// chunkSize is the fixed capacity of every chunk in a ChainBuffer.
const chunkSize = constants.ChunkSize

// chunk is one fixed-size node in a ChainBuffer's linked list. readIdx and
// writeIdx delimit the readable region [readIdx, writeIdx); bytes before
// readIdx have already been consumed and bytes at or after writeIdx are
// free capacity.
type chunk struct {
	buf      [chunkSize]byte
	readIdx  int
	writeIdx int
	next     *chunk
}

func newChunk() *chunk {
	return &chunk{}
}

func (c *chunk) readableSize() int {
	return c.writeIdx - c.readIdx
}

func (c *chunk) writeableSize() int {
	return len(c.buf) - c.writeIdx
}

// readFrom copies as much of this chunk's readable region into dst as fits,
// advancing readIdx, and returns the number of bytes copied.
func (c *chunk) readFrom(dst []byte) int {
	n := copy(dst, c.buf[c.readIdx:c.writeIdx])
	c.readIdx += n
	return n
}

// writeInto copies as much of src into this chunk's free capacity as fits,
// compacting first if the free capacity at the tail is insufficient but
// the chunk has already-read space at the front to reclaim. Returns the
// number of bytes copied.
func (c *chunk) writeInto(src []byte) int {
	if c.writeableSize() < len(src) {
		c.compact()
	}
	n := copy(c.buf[c.writeIdx:], src)
	c.writeIdx += n
	return n
}

// compact slides the readable region down to index 0, reclaiming the
// space freed by prior reads.
func (c *chunk) compact() {
	if c.readIdx == 0 {
		return
	}
	if c.readIdx == c.writeIdx {
		c.readIdx, c.writeIdx = 0, 0
		return
	}
	n := copy(c.buf[:], c.buf[c.readIdx:c.writeIdx])
	c.readIdx = 0
	c.writeIdx = n
}

// reset clears a chunk so it can be reused as fresh tail capacity.
func (c *chunk) reset() {
	c.readIdx = 0
	c.writeIdx = 0
}
