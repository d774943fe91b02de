package worker

import (
	"context"
	"sync"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
)

// fakeDriver is a minimal driver.Driver double: connect/disconnect succeed
// instantly and ReadValues/WriteValue are scripted by the test.
type fakeDriver struct {
	mu sync.Mutex

	connectErr error
	connected  bool

	readings []driver.Reading
	readErr  error

	writeErr  error
	writes    []driver.WriteRequest

	disconnects int
}

func (d *fakeDriver) Initialize(ctx context.Context, device domain.Device) error { return nil }

func (d *fakeDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return d.connectErr
	}
	d.connected = true
	return nil
}

func (d *fakeDriver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.disconnects++
	return nil
}

func (d *fakeDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDriver) ReadValues(ctx context.Context, addresses []string) ([]driver.Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readings, d.readErr
}

func (d *fakeDriver) WriteValue(ctx context.Context, req driver.WriteRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, req)
	return d.writeErr
}

func (d *fakeDriver) GetProtocolType() domain.ProtocolKind { return domain.ProtocolModbus }
func (d *fakeDriver) GetStatus() driver.ConnectionState {
	if d.IsConnected() {
		return driver.ConnectionConnected
	}
	return driver.ConnectionDisconnected
}
func (d *fakeDriver) GetLastError() *driver.Error                 { return nil }
func (d *fakeDriver) GetStatistics() driver.StatisticsSnapshot    { return driver.StatisticsSnapshot{} }
func (d *fakeDriver) ResetStatistics()                            {}
func (d *fakeDriver) Start(ctx context.Context) error             { return nil }
func (d *fakeDriver) Stop(ctx context.Context) error               { return nil }
func (d *fakeDriver) SetStatusCallback(cb driver.StatusCallback)  {}
func (d *fakeDriver) SetErrorCallback(cb driver.ErrorCallback)    {}

func (d *fakeDriver) writeAddresses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.writes))
	for i, w := range d.writes {
		out[i] = w.Address
	}
	return out
}

// fakeSink records every Sample handed to it by the worker under test.
type fakeSink struct {
	mu      sync.Mutex
	samples []Sample
}

func (s *fakeSink) Accept(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
}

func (s *fakeSink) all() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}
