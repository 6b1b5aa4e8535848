package buffer

import "sync"

// chunkPool recycles chunk structs across connections so steady-state
// traffic does not allocate once the pool has warmed up. Every chunk is
// the same fixed size, so unlike the bucketed byte-slice pools this
// package's teacher uses for variable-size I/O buffers, a single
// sync.Pool bucket suffices here.
var chunkPool = sync.Pool{
	New: func() any { return newChunk() },
}

func getChunk() *chunk {
	return chunkPool.Get().(*chunk)
}

func putChunk(c *chunk) {
	c.reset()
	c.next = nil
	chunkPool.Put(c)
}
