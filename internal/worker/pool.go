package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/blitzio/blitzio/internal/conn"
	"github.com/blitzio/blitzio/internal/interfaces"
	"github.com/blitzio/blitzio/internal/logging"
	"github.com/blitzio/blitzio/internal/uring"
)

// WorkerPool owns a fixed set of IoServices, one per worker goroutine, and
// distributes accepted connections across them round-robin (SPEC_FULL §4.7).
type WorkerPool struct {
	workers []*IoService
	next    atomic.Uint64

	observer interfaces.Observer
	logger   *logging.Logger

	wg *errgroup.Group
}

// NewWorkerPool creates count IoServices, each backed by its own Ring built
// from ringCfg. A pool of zero workers is rejected - there would be nowhere
// to dispatch connections.
func NewWorkerPool(count int, ringCfg uring.Config, observer interfaces.Observer) (*WorkerPool, error) {
	return newWorkerPool(count, observer, func(int) (uring.Ring, error) {
		return uring.NewRing(ringCfg)
	})
}

// NewStubWorkerPool creates count IoServices over uring.StubRings, for
// tests that drive completions directly rather than touching a kernel ring.
func NewStubWorkerPool(count int, observer interfaces.Observer) (*WorkerPool, error) {
	return newWorkerPool(count, observer, func(int) (uring.Ring, error) {
		return uring.NewStubRing(), nil
	})
}

func newWorkerPool(count int, observer interfaces.Observer, newRing func(i int) (uring.Ring, error)) (*WorkerPool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("worker: pool size must be positive, got %d", count)
	}

	p := &WorkerPool{
		observer: observer,
		logger:   logging.Default().With("pool"),
	}

	p.workers = make([]*IoService, 0, count)
	for i := 0; i < count; i++ {
		ring, err := newRing(i)
		if err != nil {
			p.closeCreated()
			return nil, fmt.Errorf("worker %d: create ring: %w", i, err)
		}
		svc, err := New(i, ring, observer)
		if err != nil {
			ring.Close()
			p.closeCreated()
			return nil, fmt.Errorf("worker %d: create service: %w", i, err)
		}
		p.workers = append(p.workers, svc)
	}
	return p, nil
}

func (p *WorkerPool) closeCreated() {
	for _, svc := range p.workers {
		svc.Close()
	}
	p.workers = nil
}

// SetReadCallback, SetWriteCallback and SetErrorCallback fan the callback
// out to every worker; every IoService invokes it from its own goroutine.
func (p *WorkerPool) SetReadCallback(cb ReadCallback) {
	for _, w := range p.workers {
		w.SetReadCallback(cb)
	}
}

func (p *WorkerPool) SetWriteCallback(cb WriteCallback) {
	for _, w := range p.workers {
		w.SetWriteCallback(cb)
	}
}

func (p *WorkerPool) SetErrorCallback(cb ErrorCallback) {
	for _, w := range p.workers {
		w.SetErrorCallback(cb)
	}
}

// Start arms every worker's wake pipe, then launches one goroutine per
// worker running RunOnce in a loop until ctx is cancelled. Arming happens
// here, before any goroutine exists, so it never races a worker's own
// RunOnce loop touching the same ring.
func (p *WorkerPool) Start(ctx context.Context) error {
	for _, svc := range p.workers {
		if err := svc.Start(); err != nil {
			return fmt.Errorf("worker %d: arm wake pipe: %w", svc.id, err)
		}
	}

	wg, gctx := errgroup.WithContext(ctx)
	p.wg = wg
	for _, svc := range p.workers {
		svc := svc
		wg.Go(func() error {
			return p.runWorker(gctx, svc)
		})
	}
	return nil
}

func (p *WorkerPool) runWorker(ctx context.Context, svc *IoService) error {
	const pollTimeoutMs = 100
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := svc.RunOnce(pollTimeoutMs); err != nil {
			p.logger.Error("worker loop error", "error", err)
			return err
		}
	}
}

// PutNewConnection registers conn with the next worker in round-robin order.
func (p *WorkerPool) PutNewConnection(c *conn.Connection) error {
	if len(p.workers) == 0 {
		return fmt.Errorf("worker: pool has no workers")
	}
	idx := p.next.Add(1) % uint64(len(p.workers))
	return p.workers[idx].RegisterConnection(c)
}

// Wait blocks until every worker goroutine started by Start has returned,
// aggregating their errors.
func (p *WorkerPool) Wait() error {
	if p.wg == nil {
		return nil
	}
	return p.wg.Wait()
}

// Stop wakes every worker's blocked Wait() and closes its ring. Individual
// worker close failures are collected rather than stopping at the first.
func (p *WorkerPool) Stop() error {
	var result *multierror.Error
	for _, w := range p.workers {
		if err := w.WakeFromWait(); err != nil {
			result = multierror.Append(result, fmt.Errorf("wake worker %d: %w", w.id, err))
		}
	}
	if err := p.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, w := range p.workers {
		w.CloseAllConnections()
		if err := w.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close worker %d: %w", w.id, err))
		}
	}
	return result.ErrorOrNil()
}

// ConnectionCount sums the connection counts of every worker.
func (p *WorkerPool) ConnectionCount() int {
	total := 0
	for _, w := range p.workers {
		total += w.ConnectionCount()
	}
	return total
}

// Size returns the number of workers in the pool.
func (p *WorkerPool) Size() int {
	return len(p.workers)
}
