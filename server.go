// Package blitzio implements a TCP server framework driven by a single
// io_uring-backed completion loop per worker. A TcpServer owns the
// listening socket, a periodic timer, and the OS signal bridge, and
// dispatches every accepted connection to a fixed pool of workers; the
// embedder never touches io_uring directly, only the Connection and the
// callbacks registered via SetReadCallback/SetWriteCallback/etc.
package blitzio

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/blitzio/blitzio/internal/conn"
	"github.com/blitzio/blitzio/internal/logging"
	"github.com/blitzio/blitzio/internal/sigpipe"
	"github.com/blitzio/blitzio/internal/timer"
	"github.com/blitzio/blitzio/internal/uring"
	"github.com/blitzio/blitzio/internal/worker"
)

// connUserDataOf round-trips a fixed-address Event through the ring's
// 64-bit user-data field, the same technique internal/worker uses for
// *conn.Connection: e is heap-allocated and kept reachable from the
// server's own fields for the server's entire lifetime, so its address
// never moves and the Go GC never collects it while a completion
// targeting it is outstanding.
func connUserDataOf(e conn.Event) uint64 {
	switch v := e.(type) {
	case *conn.Acceptor:
		return uint64(uintptr(unsafe.Pointer(v)))
	case *sigpipe.TickSource:
		return uint64(uintptr(unsafe.Pointer(v)))
	case *sigpipe.SignalSource:
		return uint64(uintptr(unsafe.Pointer(v)))
	default:
		return 0
	}
}

// unixSignal converts a signal number back into the os.Signal type
// os/signal.Notify expects.
func unixSignal(sig int) os.Signal {
	return syscall.Signal(sig)
}

// newMainRing and newMainPool are overridden in tests to substitute
// uring.StubRing-backed rings for a real kernel ring.
var (
	newMainRing = func(cfg uring.Config) (uring.Ring, error) { return uring.NewRing(cfg) }
	newMainPool = worker.NewWorkerPool
)

// maxSignal bounds the signal callback table; valid signal numbers are
// [1, maxSignal).
const maxSignal = 32

// State describes where a TcpServer is in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Connection is the handle an embedder's callbacks receive: one per
// accepted socket, carrying its own input/output buffers.
type Connection = conn.Connection

// ReadCallback runs once a connection's read completion has been
// buffered; the callback reads from c and may write a response.
type ReadCallback func(c *Connection)

// WriteCallback runs once buffered output has been flushed to the socket.
type WriteCallback func(c *Connection)

// ErrorCallback runs whenever a connection's I/O fails or the peer goes
// away; err carries a *blitzio.Error where the failure originated in the
// engine itself.
type ErrorCallback func(c *Connection, err error)

// TimeoutCallback runs when a connection has been idle for longer than
// the registered idle period. If unset, the connection is simply closed.
type TimeoutCallback func(c *Connection)

// SignalCallback runs on the main server goroutine when sig is delivered
// to the process. It may call Stop.
type SignalCallback func(sig int)

// ServerParams configures a TcpServer beyond the three values every
// server needs (worker count, port, backlog), which NewServer takes
// directly.
type ServerParams struct {
	WorkerCount int
	Port        int
	Backlog     int

	QueueDepth  uint32
	IdleTimeout time.Duration
	TickPeriod  time.Duration
	CPUAffinity []int
}

// DefaultParams returns sensible defaults for every field NewServer
// doesn't take as a direct argument.
func DefaultParams() ServerParams {
	return ServerParams{
		WorkerCount: runtime.NumCPU(),
		Backlog:     DefaultBacklog,
		QueueDepth:  DefaultQueueDepth,
		IdleTimeout: DefaultIdleTimeout,
		TickPeriod:  DefaultTickPeriod,
	}
}

// serverConfig accumulates what the functional options below configure.
type serverConfig struct {
	params   ServerParams
	ctx      context.Context
	logger   *logging.Logger
	observer Observer
}

// Option configures a TcpServer at construction time.
type Option func(*serverConfig)

// WithParams overrides every ServerParams field (including QueueDepth,
// IdleTimeout, TickPeriod and CPUAffinity, which NewServer's positional
// arguments don't reach); WorkerCount/Port/Backlog in p take precedence
// over the values NewServer was called with.
func WithParams(p ServerParams) Option {
	return func(c *serverConfig) { c.params = p }
}

// WithContext sets the context whose cancellation the worker pool's
// goroutines observe; defaults to context.Background().
func WithContext(ctx context.Context) Option {
	return func(c *serverConfig) { c.ctx = ctx }
}

// WithLogger overrides the server's logger; defaults to
// logging.Default().With("server").
func WithLogger(l *logging.Logger) Option {
	return func(c *serverConfig) { c.logger = l }
}

// WithObserver overrides the server's lifecycle/metrics observer;
// defaults to a MetricsObserver over the server's own Metrics.
func WithObserver(o Observer) Option {
	return func(c *serverConfig) { c.observer = o }
}

// closeNotifyingObserver wraps the embedder's Observer and additionally
// reports every closed connection ID on closeCh, so the main goroutine
// can retire its timer entry and handle bookkeeping without the worker
// package needing to know about either.
type closeNotifyingObserver struct {
	inner   Observer
	closeCh chan<- string
}

func (o *closeNotifyingObserver) ObserveAccept(id string) { o.inner.ObserveAccept(id) }

func (o *closeNotifyingObserver) ObserveRead(id string, bytes, latencyNs uint64, success bool) {
	o.inner.ObserveRead(id, bytes, latencyNs, success)
}

func (o *closeNotifyingObserver) ObserveWrite(id string, bytes, latencyNs uint64, success bool) {
	o.inner.ObserveWrite(id, bytes, latencyNs, success)
}

func (o *closeNotifyingObserver) ObserveClose(id string) {
	o.inner.ObserveClose(id)
	select {
	case o.closeCh <- id:
	default:
	}
}

func (o *closeNotifyingObserver) ObserveQueueDepth(workerID int, depth uint32) {
	o.inner.ObserveQueueDepth(workerID, depth)
}

// TcpServer is the main-loop dispatcher: one Acceptor, one tick timer,
// one signal bridge, and a WorkerPool that owns every accepted
// connection's state machine. Exactly one goroutine - whichever calls
// Run - touches the acceptor/timer/signal fields and the connection
// bookkeeping maps below; Stop and the signal/timeout/error callbacks
// may be called from any goroutine.
type TcpServer struct {
	params ServerParams
	ctx    context.Context
	cancel context.CancelFunc

	ring     uring.Ring
	features uring.Features

	acceptor   *conn.Acceptor
	acceptorUD uint64

	timerSrc *sigpipe.TickSource
	tickUD   uint64
	tickBuf  [8]byte

	sigSrc          *sigpipe.SignalSource
	sigUD           uint64
	sigBuf          [1]byte
	signalCallbacks [maxSignal]SignalCallback

	timerSet *timer.Timer
	pool     *worker.WorkerPool

	conns   map[conn.ConnHandle]*conn.Connection
	byID    map[string]conn.ConnHandle
	closeCh chan string

	onRead    ReadCallback
	onWrite   WriteCallback
	onError   ErrorCallback
	onTimeout TimeoutCallback

	observer Observer
	logger   *logging.Logger
	metrics  *Metrics

	wakePipe [2]int
	wakeBuf  [1]byte

	stopping atomic.Bool
	state    atomic.Int32
}

// NewServer creates a TcpServer listening on port with workerCount
// workers and the given accept backlog, arming its first accept
// immediately so connections arriving before Run is called are not
// dropped. The server owns its acceptor, timer and signal bridge until
// Stop's teardown runs.
func NewServer(workerCount, port, backlog int, opts ...Option) (*TcpServer, error) {
	params := DefaultParams()
	params.WorkerCount = workerCount
	params.Port = port
	params.Backlog = backlog

	cfg := &serverConfig{params: params}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.ctx == nil {
		cfg.ctx = context.Background()
	}
	if cfg.logger == nil {
		cfg.logger = logging.Default().With("server")
	}
	return newServer(cfg)
}

func newServer(cfg *serverConfig) (*TcpServer, error) {
	p := cfg.params
	if p.WorkerCount <= 0 {
		p.WorkerCount = runtime.NumCPU()
	}

	ring, err := newMainRing(uring.Config{Entries: p.QueueDepth})
	if err != nil {
		return nil, fmt.Errorf("blitzio: create main ring: %w", err)
	}
	features, err := uring.GetFeatures()
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("blitzio: probe kernel features: %w", err)
	}

	acceptor, err := conn.NewAcceptor(p.Port, p.Backlog)
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("blitzio: create acceptor: %w", err)
	}
	tickSrc, err := sigpipe.NewTickSource()
	if err != nil {
		acceptor.Close()
		ring.Close()
		return nil, fmt.Errorf("blitzio: create tick source: %w", err)
	}
	sigSrc, err := sigpipe.NewSignalSource()
	if err != nil {
		tickSrc.Close()
		acceptor.Close()
		ring.Close()
		return nil, fmt.Errorf("blitzio: create signal source: %w", err)
	}
	wakeFds, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	if err != nil {
		sigSrc.Close()
		tickSrc.Close()
		acceptor.Close()
		ring.Close()
		return nil, fmt.Errorf("blitzio: create wake pipe: %w", err)
	}

	metrics := NewMetrics()
	obs := cfg.observer
	if obs == nil {
		obs = NewMetricsObserver(metrics)
	}
	closeCh := make(chan string, p.WorkerCount*16)
	poolObserver := &closeNotifyingObserver{inner: obs, closeCh: closeCh}

	pool, err := newMainPool(p.WorkerCount, uring.Config{Entries: p.QueueDepth}, poolObserver)
	if err != nil {
		unix.Close(wakeFds[0])
		unix.Close(wakeFds[1])
		sigSrc.Close()
		tickSrc.Close()
		acceptor.Close()
		ring.Close()
		return nil, fmt.Errorf("blitzio: create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(cfg.ctx)
	s := &TcpServer{
		params:   p,
		ctx:      ctx,
		cancel:   cancel,
		ring:     ring,
		features: features,
		acceptor: acceptor,
		timerSrc: tickSrc,
		sigSrc:   sigSrc,
		timerSet: timer.New(),
		pool:     pool,
		conns:    make(map[conn.ConnHandle]*conn.Connection),
		byID:     make(map[string]conn.ConnHandle),
		closeCh:  closeCh,
		observer: obs,
		logger:   cfg.logger,
		metrics:  metrics,
		wakePipe: [2]int{wakeFds[0], wakeFds[1]},
	}
	s.acceptorUD = connUserDataOf(s.acceptor)
	s.tickUD = connUserDataOf(s.timerSrc)
	s.sigUD = connUserDataOf(s.sigSrc)

	s.timerSet.RegisterTimeoutCallback(s.onTimerExpire, p.IdleTimeout)

	if err := s.rearmAccept(); err != nil {
		s.ring.Close()
		s.sigSrc.Close()
		s.timerSrc.Close()
		s.acceptor.Close()
		unix.Close(s.wakePipe[0])
		unix.Close(s.wakePipe[1])
		return nil, fmt.Errorf("blitzio: arm initial accept: %w", err)
	}

	return s, nil
}

// SetReadCallback registers the callback invoked after a connection's
// read completion has been buffered. Replaces any previously registered
// read callback.
func (s *TcpServer) SetReadCallback(cb ReadCallback) {
	s.onRead = cb
	s.pool.SetReadCallback(worker.ReadCallback(cb))
}

// SetWriteCallback registers the callback invoked after buffered output
// has been flushed to the socket. Replaces any previously registered
// write callback.
func (s *TcpServer) SetWriteCallback(cb WriteCallback) {
	s.onWrite = cb
	s.pool.SetWriteCallback(worker.WriteCallback(cb))
}

// SetErrorCallback registers the callback invoked when a connection's
// I/O fails or its peer disconnects. Replaces any previously registered
// error callback.
func (s *TcpServer) SetErrorCallback(cb ErrorCallback) {
	s.onError = cb
	if cb == nil {
		s.pool.SetErrorCallback(nil)
		return
	}
	s.pool.SetErrorCallback(func(c *conn.Connection, err error) {
		cb(c, translateConnError(err))
	})
}

// translateConnError maps the internal conn package's local sentinel
// error onto the public error taxonomy, so embedders never see an
// internal type in their error callback.
func translateConnError(err error) error {
	if err == conn.ErrPeerClosed {
		return NewError("read", CodePeerClosed, "peer closed")
	}
	if err == uring.ErrRingFull {
		return NewError("submit", CodeSubmitQueueFull, err.Error())
	}
	return WrapError("io", err)
}

// SetTimeoutCallback registers cb to run when a connection has gone idle
// for longer than idlePeriod, and updates the idle period itself. A zero
// idlePeriod disables idle timeouts entirely.
func (s *TcpServer) SetTimeoutCallback(cb TimeoutCallback, idlePeriod time.Duration) {
	s.onTimeout = cb
	s.params.IdleTimeout = idlePeriod
	s.timerSet.RegisterTimeoutCallback(s.onTimerExpire, idlePeriod)
}

// SetSignalCallback registers cb to run on the main server goroutine
// whenever sig is delivered to the process. sig must be in [1, 32);
// out-of-range values are ignored.
func (s *TcpServer) SetSignalCallback(sig int, cb SignalCallback) {
	if sig <= 0 || sig >= maxSignal {
		return
	}
	s.signalCallbacks[sig] = cb
	s.sigSrc.Watch(unixSignal(sig))
}

// State reports where the server is in its lifecycle.
func (s *TcpServer) State() State { return State(s.state.Load()) }

// Metrics returns the server's built-in metrics counters, regardless of
// whether a custom Observer was also registered via WithObserver.
func (s *TcpServer) Metrics() *Metrics { return s.metrics }

// ConnectionCount returns the number of connections currently tracked by
// the main loop's bookkeeping. Only meaningful when called from within a
// callback or after Run has returned.
func (s *TcpServer) ConnectionCount() int { return len(s.conns) }

// Port returns the port the server's listening socket is bound to,
// resolving a requested port of 0 to whatever the kernel assigned.
func (s *TcpServer) Port() (int, error) { return s.acceptor.Port() }

// rearmAccept prepares the next accept submission. When the kernel
// supports multishot accept, one SQE keeps producing connections until
// an error completion is observed, so this is only called once at
// construction and again after any such error; otherwise it runs after
// every accept completion.
func (s *TcpServer) rearmAccept() error {
	if s.features.Multishot {
		return s.ring.SubmitMultishotAccept(s.acceptor.Fd(), s.acceptorUD)
	}
	return s.ring.SubmitAccept(s.acceptor.Fd(), s.acceptorUD)
}

// dispatch routes one completion to the acceptor, tick timer, or signal
// bridge handler based on its user-data; user-data 0 is the wake pipe's
// harmless completion, used only to unblock Wait.
func (s *TcpServer) dispatch(res uring.Result) {
	switch res.UserData() {
	case 0:
		return
	case s.acceptorUD:
		s.dispatchAccept(res)
	case s.tickUD:
		s.dispatchTimeout(res)
	case s.sigUD:
		s.dispatchSignal(res)
	}
}

func (s *TcpServer) dispatchAccept(res uring.Result) {
	if err := res.Error(); err != nil {
		s.logger.Error("accept failed", "error", err)
		if rearmErr := s.rearmAccept(); rearmErr != nil {
			s.logger.Error("rearm accept", "error", rearmErr)
		}
		return
	}

	c := conn.NewConnection(res.Value())
	s.conns[c.Handle()] = c
	s.byID[c.ID()] = c.Handle()
	s.timerSet.Add(c.Handle())

	if err := s.pool.PutNewConnection(c); err != nil {
		s.logger.Error("dispatch new connection", "error", err)
	}

	if !s.features.Multishot {
		if err := s.rearmAccept(); err != nil {
			s.logger.Error("rearm accept", "error", err)
		}
	}
}

func (s *TcpServer) dispatchTimeout(res uring.Result) {
	s.timerSet.Tick()
	s.drainClosed()

	if err := s.timerSrc.Arm(s.params.TickPeriod); err != nil {
		s.logger.Error("rearm tick timer", "error", err)
	}
	if err := s.ring.SubmitTimerRead(s.timerSrc.Fd(), s.tickBuf[:], s.tickUD); err != nil {
		s.logger.Error("submit tick read", "error", err)
	}
}

func (s *TcpServer) dispatchSignal(res uring.Result) {
	if res.Error() == nil {
		num := s.sigSrc.CurSignal(s.sigBuf[0])
		if num > 0 && num < maxSignal {
			if cb := s.signalCallbacks[num]; cb != nil {
				cb(num)
			}
		}
	}
	if err := s.ring.SubmitSignalRead(s.sigSrc.ReadFd(), s.sigBuf[:], s.sigUD); err != nil {
		s.logger.Error("rearm signal read", "error", err)
	}
}

// onTimerExpire fires when a connection has been idle past the
// registered period. Setting closeRequested alone does nothing until
// the connection's next completion arrives, which an idle peer may
// never produce, so a forced shutdown drives its outstanding read to
// complete with an error and through the ordinary error-dispatch path.
func (s *TcpServer) onTimerExpire(handle conn.ConnHandle) {
	c, ok := s.conns[handle]
	if !ok {
		return
	}
	if s.onTimeout != nil {
		s.onTimeout(c)
	} else {
		c.Close()
	}
	if c.CloseRequested() {
		unix.Shutdown(int(c.Fd()), unix.SHUT_RDWR)
	}
}

// drainClosed resolves every connection ID the workers have reported
// closed since the last drain, retiring its timer entry and bookkeeping.
func (s *TcpServer) drainClosed() {
	for {
		select {
		case id := <-s.closeCh:
			if handle, ok := s.byID[id]; ok {
				s.timerSet.Remove(handle)
				delete(s.conns, handle)
				delete(s.byID, id)
			}
		default:
			return
		}
	}
}

// Run starts the worker pool and the main completion loop, blocking
// until Stop is called (from any goroutine, including a registered
// callback). On return, every worker has been stopped and joined and
// every still-open connection has been closed and released.
func (s *TcpServer) Run() error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("blitzio: server already running or stopped")
	}

	if err := s.pool.Start(s.ctx); err != nil {
		s.cancel()
		s.state.Store(int32(StateIdle))
		return fmt.Errorf("blitzio: start worker pool: %w", err)
	}

	if err := s.timerSrc.Arm(s.params.TickPeriod); err != nil {
		return fmt.Errorf("blitzio: arm tick timer: %w", err)
	}
	if err := s.ring.SubmitTimerRead(s.timerSrc.Fd(), s.tickBuf[:], s.tickUD); err != nil {
		return fmt.Errorf("blitzio: submit tick read: %w", err)
	}
	if err := s.ring.SubmitSignalRead(s.sigSrc.ReadFd(), s.sigBuf[:], s.sigUD); err != nil {
		return fmt.Errorf("blitzio: submit signal read: %w", err)
	}
	if err := s.ring.SubmitSignalRead(int32(s.wakePipe[0]), s.wakeBuf[:], 0); err != nil {
		return fmt.Errorf("blitzio: submit wake read: %w", err)
	}

	for !s.stopping.Load() {
		if _, err := s.ring.FlushSubmissions(); err != nil {
			s.logger.Error("flush submissions", "error", err)
		}
		results, err := s.ring.Wait(-1)
		if err != nil {
			return fmt.Errorf("blitzio: wait: %w", err)
		}
		for _, res := range results {
			s.dispatch(res)
		}
		s.drainClosed()
	}

	return s.teardown()
}

// Stop requests that Run return after processing the current completion.
// Safe to call from any goroutine, including a registered callback, and
// idempotent - only the first call has any effect.
func (s *TcpServer) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	unix.Write(s.wakePipe[1], []byte{0})
}

// teardown stops the worker pool (which closes every still-open
// connection), releases the acceptor/timer/signal file descriptors and
// the main ring, and marks the server stopped. Individual failures are
// collected rather than stopping at the first.
func (s *TcpServer) teardown() error {
	var result *multierror.Error

	s.cancel()
	if err := s.pool.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop workers: %w", err))
	}
	if err := s.acceptor.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close acceptor: %w", err))
	}
	if err := s.timerSrc.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close tick source: %w", err))
	}
	if err := s.sigSrc.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close signal source: %w", err))
	}
	unix.Close(s.wakePipe[0])
	unix.Close(s.wakePipe[1])
	if err := s.ring.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close ring: %w", err))
	}

	s.metrics.Stop()
	s.state.Store(int32(StateStopped))
	return result.ErrorOrNil()
}
