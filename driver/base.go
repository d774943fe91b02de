package driver

import (
	"sync"
	"sync/atomic"
)

// Base bundles the bookkeeping every concrete Driver needs and would
// otherwise duplicate: connection state, last error, and the status/error
// callback pair. Protocol specializations embed Base and call its setters
// from their own Connect/Disconnect/ReadValues implementations.
type Base struct {
	Counters

	device string

	state   int32 // ConnectionState
	lastErr atomic.Pointer[Error]

	mu       sync.Mutex
	statusCB StatusCallback
	errorCB  ErrorCallback
}

func NewBase(device string) *Base {
	return &Base{device: device}
}

func (b *Base) SetStatusCallback(cb StatusCallback) {
	b.mu.Lock()
	b.statusCB = cb
	b.mu.Unlock()
}

func (b *Base) SetErrorCallback(cb ErrorCallback) {
	b.mu.Lock()
	b.errorCB = cb
	b.mu.Unlock()
}

func (b *Base) SetState(s ConnectionState) {
	atomic.StoreInt32(&b.state, int32(s))
	b.mu.Lock()
	cb := b.statusCB
	b.mu.Unlock()
	if cb != nil {
		cb(b.device, s)
	}
}

func (b *Base) GetStatus() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&b.state))
}

func (b *Base) IsConnected() bool {
	return b.GetStatus() == ConnectionConnected
}

func (b *Base) SetLastError(err *Error) {
	b.lastErr.Store(err)
	b.mu.Lock()
	cb := b.errorCB
	b.mu.Unlock()
	if cb != nil && err != nil {
		cb(b.device, err)
	}
}

func (b *Base) GetLastError() *Error {
	return b.lastErr.Load()
}

func (b *Base) GetStatistics() StatisticsSnapshot { return b.Counters.Snapshot() }
func (b *Base) ResetStatistics()                  { b.Counters.Reset() }
