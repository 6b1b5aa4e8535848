// Package worker implements IoService, the per-thread completion loop
// that drives connection state machines, and WorkerPool, the
// round-robin group of IoServices a TcpServer dispatches accepted
// connections to.
package worker

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blitzio/blitzio/internal/buffer"
	"github.com/blitzio/blitzio/internal/conn"
	"github.com/blitzio/blitzio/internal/interfaces"
	"github.com/blitzio/blitzio/internal/logging"
	"github.com/blitzio/blitzio/internal/uring"
)

// newConnQueueDepth bounds the number of freshly-accepted connections a
// worker can have handed off but not yet drained. RegisterConnection is
// called from the dispatcher goroutine and must never block, so a full
// queue is reported back as an error rather than blocking the dispatcher.
const newConnQueueDepth = 4096

// ReadCallback, WriteCallback and ErrorCallback are the three user
// callbacks the embedding API registers; IoService invokes them
// synchronously from the goroutine that observed the matching completion.
type (
	ReadCallback  func(c *conn.Connection)
	WriteCallback func(c *conn.Connection)
	ErrorCallback func(c *conn.Connection, err error)
)

// inFlight tracks the pinned VectorTicket for a connection's current
// suspended operation, released exactly once when its completion arrives.
type inFlight struct {
	ticket *buffer.VectorTicket
}

// IoService runs one completion loop and owns one map from connection
// handle to machine state (SPEC_FULL §4.6). It is not safe for concurrent
// use from more than one goroutine - exactly the goroutine running its
// RunOnce loop touches pending, tags and buffers. RegisterConnection is the
// sole exception: it may be called from the dispatcher goroutine, so it
// only ever touches conns (mu-guarded) and newConns (a channel), handing
// the connection's first read off to the worker's own goroutine instead of
// submitting it directly.
type IoService struct {
	id   int
	ring uring.Ring

	mu      sync.Mutex // guards conns, touched from RegisterConnection/ConnectionCount/CloseAllConnections too
	conns   map[conn.ConnHandle]*conn.Connection
	pending map[uint64]*inFlight

	newConns chan *conn.Connection

	onRead  ReadCallback
	onWrite WriteCallback
	onError ErrorCallback

	observer interfaces.Observer
	logger   *logging.Logger
	retrier  *Retrier

	wakePipe [2]int
}

// New creates an IoService over ring. id identifies the worker for
// logging and queue-depth observation.
func New(id int, ring uring.Ring, observer interfaces.Observer) (*IoService, error) {
	fds, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &IoService{
		id:       id,
		ring:     ring,
		conns:    make(map[conn.ConnHandle]*conn.Connection),
		pending:  make(map[uint64]*inFlight),
		newConns: make(chan *conn.Connection, newConnQueueDepth),
		observer: observer,
		logger:   logging.Default().With("worker").With(strconv.Itoa(id)),
		retrier:  NewRetrier(),
		wakePipe: [2]int{fds[0], fds[1]},
	}, nil
}

// Start arms the worker's wake-pipe read for the first time. Must be
// called once, before the goroutine that will run RunOnce starts, so this
// touches the ring with no concurrent access possible yet.
func (s *IoService) Start() error {
	return s.armWakePipe()
}

func (s *IoService) armWakePipe() error {
	buf := make([]byte, 1)
	return s.ring.SubmitSignalRead(int32(s.wakePipe[0]), buf, 0)
}

func (s *IoService) SetReadCallback(cb ReadCallback)   { s.onRead = cb }
func (s *IoService) SetWriteCallback(cb WriteCallback) { s.onWrite = cb }
func (s *IoService) SetErrorCallback(cb ErrorCallback) { s.onError = cb }

// connUserData round-trips a *conn.Connection through the ring's 64-bit
// user-data field. The connection is kept reachable from s.conns for its
// entire lifetime, so the Go GC never collects it while a completion for
// it is outstanding (SPEC_FULL §9).
func connUserData(c *conn.Connection) uint64 {
	return uint64(uintptr(unsafe.Pointer(c)))
}

func connFromUserData(ud uint64) *conn.Connection {
	return (*conn.Connection)(unsafe.Pointer(uintptr(ud)))
}

// RegisterConnection adopts a freshly-accepted connection: stores it in
// the map immediately (safe to call from any goroutine, including the
// dispatcher that accepted it) and hands it to the worker's own goroutine
// to submit its first read. Submitting from here directly would race the
// worker goroutine's own reads/writes on the same ring and pending map
// (both touched only by RunOnce's goroutine otherwise); queueing instead
// defers step 1 of SPEC_FULL §4.5 to drainNewConns, run from dispatch.
func (s *IoService) RegisterConnection(c *conn.Connection) error {
	s.mu.Lock()
	s.conns[c.Handle()] = c
	n := len(s.conns)
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.ObserveAccept(c.ID())
		s.observer.ObserveQueueDepth(s.id, uint32(n))
	}

	select {
	case s.newConns <- c:
	default:
		return fmt.Errorf("worker %d: new-connection queue full", s.id)
	}
	if _, err := unix.Write(s.wakePipe[1], []byte{0}); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("worker %d: wake pipe: %w", s.id, err)
	}
	return nil
}

// drainNewConns submits the first read for every connection handed off by
// RegisterConnection since the last drain. Called only from the goroutine
// running RunOnce, in response to a wake-pipe completion.
func (s *IoService) drainNewConns() {
	for {
		select {
		case c := <-s.newConns:
			if err := s.submitRead(c); err != nil {
				s.closeOnSubmitFailure(c, err)
			}
		default:
			return
		}
	}
}

func (s *IoService) submitRead(c *conn.Connection) error {
	c.SetTag(conn.TagRead)
	ticket, iovecs := c.InBuffer().WriteableIovecs()
	ud := connUserData(c)
	s.pending[ud] = &inFlight{ticket: ticket}
	return s.retrier.Do(func() error {
		return s.ring.SubmitReadv(c.Fd(), iovecs, ud)
	})
}

func (s *IoService) submitWrite(c *conn.Connection) error {
	c.SetTag(conn.TagWrite)
	ticket, iovecs := c.OutBuffer().ReadableIovecs()
	ud := connUserData(c)
	s.pending[ud] = &inFlight{ticket: ticket}
	return s.retrier.Do(func() error {
		return s.ring.SubmitWritev(c.Fd(), iovecs, ud)
	})
}

// submitClose submits the close SQE for the CLOSING step. If the retry
// budget runs out, the failure is logged, the descriptor is closed
// directly and the map entry is erased here instead of being leaked; no
// close completion will then arrive for c.
func (s *IoService) submitClose(c *conn.Connection) error {
	c.SetTag(conn.TagClosing)
	err := s.retrier.Do(func() error {
		return s.ring.SubmitClose(c.Fd(), connUserData(c))
	})
	if err != nil {
		s.logger.Error("close submission failed, force-erasing connection", "conn", c.ID(), "error", err)
		delete(s.pending, connUserData(c))
		unix.Close(int(c.Fd()))
		c.SetTag(conn.TagClosed)
		s.finishClose(c)
	}
	return nil
}

// RunOnce flushes every SQE prepared since the last call (the read/write/
// close follow-ups dispatch armed, plus any first reads drainNewConns
// armed), then waits for completions as uring.Ring.Wait describes for
// timeoutMs and dispatches each to the owning connection's state machine. Flushing
// before waiting, rather than leaving SQEs merely prepared, is what
// actually puts them on the ring - the minimal ring's Wait enters the
// kernel with to_submit=0 and relies entirely on a prior flush.
func (s *IoService) RunOnce(timeoutMs int) error {
	if _, err := s.ring.FlushSubmissions(); err != nil {
		return fmt.Errorf("flush submissions: %w", err)
	}
	results, err := s.ring.Wait(timeoutMs)
	if err != nil {
		return err
	}
	for _, res := range results {
		s.dispatch(res)
	}
	return nil
}

func (s *IoService) dispatch(res uring.Result) {
	ud := res.UserData()
	if ud == 0 {
		// Wake-pipe completion: pick up any connections RegisterConnection
		// handed off since the last drain, then rearm for the next wake.
		s.drainNewConns()
		if err := s.armWakePipe(); err != nil {
			s.logger.Error("rearm wake pipe", "error", err)
		}
		return
	}
	c := connFromUserData(ud)
	pf, ok := s.pending[ud]
	if ok {
		delete(s.pending, ud)
	}

	if err := res.Error(); err != nil {
		if s.onError != nil {
			s.onError(c, err)
		}
		_ = s.submitClose(c)
		return
	}

	switch c.Tag() {
	case conn.TagRead:
		if pf != nil {
			pf.ticket.Release(int(res.Value()))
		}
		if res.Value() == 0 {
			if s.onError != nil {
				s.onError(c, conn.ErrPeerClosed)
			}
			_ = s.submitClose(c)
			return
		}
		start := time.Now()
		if s.onRead != nil {
			s.onRead(c)
		}
		if s.observer != nil {
			s.observer.ObserveRead(c.ID(), uint64(res.Value()), uint64(time.Since(start).Nanoseconds()), true)
		}
		if err := s.submitWrite(c); err != nil {
			s.closeOnSubmitFailure(c, err)
		}

	case conn.TagWrite:
		if pf != nil {
			pf.ticket.Release(int(res.Value()))
		}
		start := time.Now()
		if s.onWrite != nil {
			s.onWrite(c)
		}
		if s.observer != nil {
			s.observer.ObserveWrite(c.ID(), uint64(res.Value()), uint64(time.Since(start).Nanoseconds()), true)
		}
		if c.CloseRequested() {
			if err := s.submitClose(c); err != nil {
				s.closeOnSubmitFailure(c, err)
			}
			return
		}
		// Persistent connection: loop back to read (SPEC_FULL §12).
		if err := s.submitRead(c); err != nil {
			s.closeOnSubmitFailure(c, err)
		}

	case conn.TagClosing:
		c.SetTag(conn.TagClosed)
		s.finishClose(c)

	default:
		s.finishClose(c)
	}
}

func (s *IoService) closeOnSubmitFailure(c *conn.Connection, err error) {
	if s.onError != nil {
		s.onError(c, err)
	}
	_ = s.submitClose(c)
}

// finishClose removes a connection's map entry and releases its buffers,
// the CLOSING -> CLOSED transition's terminal step.
func (s *IoService) finishClose(c *conn.Connection) {
	s.mu.Lock()
	delete(s.conns, c.Handle())
	n := len(s.conns)
	s.mu.Unlock()

	c.Release()
	if s.observer != nil {
		s.observer.ObserveClose(c.ID())
		s.observer.ObserveQueueDepth(s.id, uint32(n))
	}
}

// WakeFromWait writes a byte to the worker's own wake pipe so a blocked
// Wait() returns and the run loop observes a stop request. The wake-pipe
// read itself is armed once by Start and rearmed every time it fires
// (dispatch's ud==0 case), so this only needs to supply the byte.
func (s *IoService) WakeFromWait() error {
	if _, err := unix.Write(s.wakePipe[1], []byte{0}); err != nil && !errors.Is(err, unix.EAGAIN) {
		return err
	}
	return nil
}

// ConnectionCount returns the number of connections currently owned by
// this worker, for tests and queue-depth observation.
func (s *IoService) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAllConnections force-closes every connection still owned by this
// worker: the socket fd is closed directly (bypassing the CLOSING/CLOSED
// submit-a-close-SQE path, since the run loop that would dispatch its
// completion is no longer running), its buffers are released, and the
// observer is told about the close. Used during server shutdown, after
// the worker's run loop has exited, so no completion for these
// connections can ever arrive.
func (s *IoService) CloseAllConnections() {
	s.mu.Lock()
	conns := make([]*conn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[conn.ConnHandle]*conn.Connection)
	s.mu.Unlock()

	for _, c := range conns {
		unix.Close(int(c.Fd()))
		c.Release()
		if s.observer != nil {
			s.observer.ObserveClose(c.ID())
		}
	}
	if s.observer != nil {
		s.observer.ObserveQueueDepth(s.id, 0)
	}
}

// Close releases the worker's own resources (not its connections', which
// are torn down individually via the CLOSING/CLOSED path).
func (s *IoService) Close() error {
	unix.Close(s.wakePipe[0])
	unix.Close(s.wakePipe[1])
	return s.ring.Close()
}
