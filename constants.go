package blitzio

import "github.com/blitzio/blitzio/internal/constants"

// Re-export constants for public API
const (
	ChunkSize          = constants.ChunkSize
	DefaultQueueDepth  = constants.DefaultQueueDepth
	DefaultBacklog     = constants.DefaultBacklog
	DefaultMaxIOSize   = constants.DefaultMaxIOSize
	DefaultWorkerCount = constants.DefaultWorkerCount
	DefaultTickPeriod  = constants.DefaultTickPeriod
	DefaultIdleTimeout = constants.DefaultIdleTimeout
)
