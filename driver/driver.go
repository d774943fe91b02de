// Package driver defines the protocol driver contract every fieldbus
// specialization (Modbus, MQTT, BACnet, OPC UA) implements, plus the
// lifecycle, connection, and error types shared by all of them.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pulseone/collector/domain"
)

// ConnectionState is the driver's view of its link to the field device.
type ConnectionState int32

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionReconnecting
	ConnectionFailed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionReconnecting:
		return "reconnecting"
	case ConnectionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LifecycleState is the driver's own start/stop state, independent of the
// connection state (a driver can be Started but Disconnected while it
// retries).
type LifecycleState int32

const (
	LifecycleUninitialized LifecycleState = iota
	LifecycleInitialized
	LifecycleStarted
	LifecycleStopped
)

// ErrorKind classifies driver errors so callers (worker retry logic,
// telemetry) can branch without string matching.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindConnection
	ErrorKindTimeout
	ErrorKindProtocol
	ErrorKindInvalidAddress
	ErrorKindWriteRejected
	ErrorKindNotConnected
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindConnection:
		return "connection"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindProtocol:
		return "protocol"
	case ErrorKindInvalidAddress:
		return "invalid_address"
	case ErrorKindWriteRejected:
		return "write_rejected"
	case ErrorKindNotConnected:
		return "not_connected"
	default:
		return "unknown"
	}
}

// Error is the typed error every driver method returns on failure. It wraps
// the underlying cause so errors.Is/errors.As keep working through the
// worker's retry logic and the telemetry layer's error category tagging.
type Error struct {
	Kind    ErrorKind
	Device  string
	Address string
	Err     error
}

func (e *Error) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("driver[%s]: %s at %s: %v", e.Device, e.Kind, e.Address, e.Err)
	}
	return fmt.Sprintf("driver[%s]: %s: %v", e.Device, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, device, address string, err error) *Error {
	return &Error{Kind: kind, Device: device, Address: address, Err: err}
}

// ErrNotConnected is returned by ReadValues/WriteValue when called on a
// driver that is not currently connected.
var ErrNotConnected = errors.New("driver: not connected")

// Reading is a single point value read back from the device, before
// engineering scaling is applied by the worker.
type Reading struct {
	Address   string
	Raw       float64
	Timestamp time.Time
	Quality   domain.Quality
}

// WriteRequest is a single value the worker wants written out to the device.
type WriteRequest struct {
	Address  string
	Value    float64
	Deadline time.Time
}

// Statistics are atomically updated counters every driver exposes via
// GetStatistics, mirroring the read/write/error activity on the link.
type Statistics struct {
	ReadsOK       uint64
	ReadsFailed   uint64
	WritesOK      uint64
	WritesFailed  uint64
	Reconnects    uint64
	Bytesread     uint64
	TotalLatency  int64 // nanoseconds, for average latency computation
}

// StatisticsSnapshot is a point-in-time copy of Statistics safe to hand to
// callers without further synchronization.
type StatisticsSnapshot struct {
	ReadsOK      uint64
	ReadsFailed  uint64
	WritesOK     uint64
	WritesFailed uint64
	Reconnects   uint64
	AvgLatency   time.Duration
}

// Counters is the atomic statistics holder embedded by every concrete
// driver. It mirrors internal/crawler/colly_fetcher.go's fetcherStats shape.
type Counters struct {
	readsOK      uint64
	readsFailed  uint64
	writesOK     uint64
	writesFailed uint64
	reconnects   uint64
	totalLatency int64
}

func (c *Counters) RecordRead(ok bool, latency time.Duration) {
	if ok {
		atomic.AddUint64(&c.readsOK, 1)
		atomic.AddInt64(&c.totalLatency, int64(latency))
	} else {
		atomic.AddUint64(&c.readsFailed, 1)
	}
}

func (c *Counters) RecordWrite(ok bool) {
	if ok {
		atomic.AddUint64(&c.writesOK, 1)
	} else {
		atomic.AddUint64(&c.writesFailed, 1)
	}
}

func (c *Counters) RecordReconnect() { atomic.AddUint64(&c.reconnects, 1) }

func (c *Counters) Snapshot() StatisticsSnapshot {
	ok := atomic.LoadUint64(&c.readsOK)
	latency := atomic.LoadInt64(&c.totalLatency)
	var avg time.Duration
	if ok > 0 {
		avg = time.Duration(latency / int64(ok))
	}
	return StatisticsSnapshot{
		ReadsOK:      ok,
		ReadsFailed:  atomic.LoadUint64(&c.readsFailed),
		WritesOK:     atomic.LoadUint64(&c.writesOK),
		WritesFailed: atomic.LoadUint64(&c.writesFailed),
		Reconnects:   atomic.LoadUint64(&c.reconnects),
		AvgLatency:   avg,
	}
}

func (c *Counters) Reset() {
	atomic.StoreUint64(&c.readsOK, 0)
	atomic.StoreUint64(&c.readsFailed, 0)
	atomic.StoreUint64(&c.writesOK, 0)
	atomic.StoreUint64(&c.writesFailed, 0)
	atomic.StoreUint64(&c.reconnects, 0)
	atomic.StoreInt64(&c.totalLatency, 0)
}

// StatusCallback is invoked whenever a driver's ConnectionState changes.
type StatusCallback func(device string, state ConnectionState)

// ErrorCallback is invoked whenever a driver observes a non-fatal error
// worth surfacing to telemetry without aborting the poll loop.
type ErrorCallback func(device string, err *Error)

// Driver is the capability contract every protocol specialization
// implements. It is intentionally narrow: connection lifecycle, a batched
// read, a single write, and observability. Device-specific concerns
// (polling cadence, scaling, deadbanding) live in the worker, not here.
type Driver interface {
	Initialize(ctx context.Context, device domain.Device) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	ReadValues(ctx context.Context, addresses []string) ([]Reading, error)
	WriteValue(ctx context.Context, req WriteRequest) error

	GetProtocolType() domain.ProtocolKind
	GetStatus() ConnectionState
	GetLastError() *Error
	GetStatistics() StatisticsSnapshot
	ResetStatistics()

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SetStatusCallback(cb StatusCallback)
	SetErrorCallback(cb ErrorCallback)
}

// Factory constructs a Driver for a device. runtime.New registers each
// built-in protocol package's constructor with internal/registry.
type Factory func(device domain.Device) (Driver, error)
