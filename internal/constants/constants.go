package constants

import "time"

// ChainBuffer chunk sizing.
const (
	// ChunkSize is the fixed size of one ChainBuffer chunk in bytes.
	ChunkSize = 1024
)

// Default server configuration constants.
const (
	// DefaultQueueDepth is the default io_uring submission queue depth per worker.
	DefaultQueueDepth = 128

	// DefaultBacklog is the default listen() backlog for the acceptor.
	DefaultBacklog = 128

	// DefaultMaxIOSize is the default maximum single read/write size in bytes (1MB).
	DefaultMaxIOSize = 1 << 20

	// DefaultWorkerCount is used when ServerParams.WorkerCount is left at zero.
	DefaultWorkerCount = 0 // 0 means auto-detect based on CPUs
)

// Timing constants for the main loop.
const (
	// DefaultTickPeriod is the main loop's timer resolution.
	DefaultTickPeriod = 100 * time.Millisecond

	// DefaultIdleTimeout is the default per-connection idle timeout.
	DefaultIdleTimeout = 60 * time.Second
)

// Submission retry constants, used when the kernel reports the submission
// queue as full (SPEC_FULL §9: close retries with bounded backoff).
const (
	MaxSubmitRetries  = 5
	SubmitRetryMinGap = 200 * time.Microsecond
	SubmitRetryMaxGap = 20 * time.Millisecond
)
