package blitzio

import "sync"

// MockObserver records every lifecycle event it receives for assertions in
// tests. It implements Observer and is safe for concurrent use, since
// worker goroutines call Observer methods concurrently.
type MockObserver struct {
	mu sync.Mutex

	accepted []string
	closed   []string

	readCalls  int
	writeCalls int
	readBytes  uint64
	writeBytes uint64
	readErrors int
	writeErrors int

	queueDepths map[int]uint32
}

// NewMockObserver creates a new observer with empty recorded state.
func NewMockObserver() *MockObserver {
	return &MockObserver{
		queueDepths: make(map[int]uint32),
	}
}

// ObserveAccept implements Observer.
func (m *MockObserver) ObserveAccept(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted = append(m.accepted, connID)
}

// ObserveRead implements Observer.
func (m *MockObserver) ObserveRead(_ string, bytes uint64, _ uint64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++
	if success {
		m.readBytes += bytes
	} else {
		m.readErrors++
	}
}

// ObserveWrite implements Observer.
func (m *MockObserver) ObserveWrite(_ string, bytes uint64, _ uint64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	if success {
		m.writeBytes += bytes
	} else {
		m.writeErrors++
	}
}

// ObserveClose implements Observer.
func (m *MockObserver) ObserveClose(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, connID)
}

// ObserveQueueDepth implements Observer.
func (m *MockObserver) ObserveQueueDepth(workerID int, depth uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepths[workerID] = depth
}

// AcceptedConns returns the connection IDs passed to ObserveAccept, in order.
func (m *MockObserver) AcceptedConns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.accepted))
	copy(out, m.accepted)
	return out
}

// ClosedConns returns the connection IDs passed to ObserveClose, in order.
func (m *MockObserver) ClosedConns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.closed))
	copy(out, m.closed)
	return out
}

// CallCounts returns the number of times each event method was called.
func (m *MockObserver) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"accept": len(m.accepted),
		"read":   m.readCalls,
		"write":  m.writeCalls,
		"close":  len(m.closed),
	}
}

// QueueDepth returns the last observed queue depth for a worker.
func (m *MockObserver) QueueDepth(workerID int) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueDepths[workerID]
}

// Reset clears all recorded state.
func (m *MockObserver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted = nil
	m.closed = nil
	m.readCalls = 0
	m.writeCalls = 0
	m.readBytes = 0
	m.writeBytes = 0
	m.readErrors = 0
	m.writeErrors = 0
	m.queueDepths = make(map[int]uint32)
}

// Compile-time interface check.
var _ Observer = (*MockObserver)(nil)
