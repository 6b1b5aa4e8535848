package conn

import (
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/blitzio/blitzio/internal/buffer"
)

// generationCounter produces the per-process-unique second half of a ConnHandle,
// so a worker's connection map is never confused by an fd the kernel has
// recycled between one connection's CLOSED completion and the next
// connection's ACCEPT completion.
var generationCounter atomic.Uint64

// ConnHandle is a stable key for a Connection, safe to use as a map key
// even though the underlying socket fd may be reused by the kernel after
// the connection it once named has closed.
type ConnHandle struct {
	fd         int32
	generation uint64
}

func newHandle(fd int32) ConnHandle {
	return ConnHandle{fd: fd, generation: generationCounter.Add(1)}
}

// Fd returns the raw socket descriptor; needed by the Ring to submit I/O.
func (h ConnHandle) Fd() int32 { return h.fd }

// Connection pairs an accepted socket descriptor with input/output
// ChainBuffers and the Event tag describing what it's currently suspended
// on. Exactly one state machine runs per Connection, owned by the worker
// it was dispatched to.
type Connection struct {
	handle ConnHandle
	id     string
	tag    Tag

	in  *buffer.ChainBuffer
	out *buffer.ChainBuffer

	closeRequested bool
}

// NewConnection wraps an accepted descriptor. The returned Connection owns
// fresh input/output buffers and starts with an empty tag; the caller
// (the per-connection state machine) sets it to TagRead before the first
// suspend.
func NewConnection(fd int32) *Connection {
	return &Connection{
		handle: newHandle(fd),
		id:     xid.New().String(),
		in:     buffer.NewChainBuffer(),
		out:    buffer.NewChainBuffer(),
	}
}

func (c *Connection) Tag() Tag       { return c.tag }
func (c *Connection) SetTag(t Tag)   { c.tag = t }
func (c *Connection) Handle() ConnHandle { return c.handle }
func (c *Connection) Fd() int32      { return c.handle.fd }
func (c *Connection) ID() string     { return c.id }

// InBuffer and OutBuffer expose the buffers the Ring materializes vectors
// against; the state machine and EventQueue are the only callers.
func (c *Connection) InBuffer() *buffer.ChainBuffer  { return c.in }
func (c *Connection) OutBuffer() *buffer.ChainBuffer { return c.out }

// Read copies from the input buffer. Per the convention that an empty
// readable buffer at callback time means the peer has gone away, a
// zero-byte result is reported as ErrPeerClosed rather than a plain empty
// read - there is no "nothing buffered yet" state once the read callback
// has been invoked, since it only runs after a read completion.
func (c *Connection) Read(dst []byte) (int, error) {
	n := c.in.Read(dst)
	if n == 0 {
		return 0, ErrPeerClosed
	}
	return n, nil
}

// Write appends to the output buffer. A zero-length write is a no-op.
func (c *Connection) Write(src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	n := c.out.Write(src)
	return n, nil
}

// Close marks the connection for close; the owning worker checks this
// after the current cycle's write has completed and the write callback
// has run, and then submits the close itself rather than doing so
// synchronously from inside a callback.
func (c *Connection) Close() {
	c.closeRequested = true
}

// CloseRequested reports whether Close has been called.
func (c *Connection) CloseRequested() bool { return c.closeRequested }

// Release returns the connection's buffer chunks to the shared pool. The
// worker calls this exactly once, after observing the CLOSED completion.
func (c *Connection) Release() {
	c.in.Release()
	c.out.Release()
}
