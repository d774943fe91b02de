package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
)

type stubDriver struct{ driver.Driver }

func TestDriverFactoryBuildsRegisteredProtocol(t *testing.T) {
	f := NewDriverFactory()
	want := &stubDriver{}
	f.Register(domain.ProtocolModbus, func(device domain.Device) (driver.Driver, error) {
		return want, nil
	})

	got, err := f.Build(domain.Device{Protocol: domain.ProtocolModbus})
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestDriverFactoryUnregisteredProtocolErrors(t *testing.T) {
	f := NewDriverFactory()
	_, err := f.Build(domain.Device{Protocol: domain.ProtocolOPCUA})
	assert.Error(t, err)
}

func TestDriverFactoryRegisterIsIdempotent(t *testing.T) {
	f := NewDriverFactory()
	first := &stubDriver{}
	second := &stubDriver{}
	f.Register(domain.ProtocolMQTT, func(domain.Device) (driver.Driver, error) { return first, nil })
	f.Register(domain.ProtocolMQTT, func(domain.Device) (driver.Driver, error) { return second, nil })

	got, err := f.Build(domain.Device{Protocol: domain.ProtocolMQTT})
	require.NoError(t, err)
	assert.Same(t, second, got, "re-registering a protocol should replace the constructor")
}

func TestDriverFactoryPropagatesConstructorError(t *testing.T) {
	f := NewDriverFactory()
	wantErr := errors.New("bad endpoint")
	f.Register(domain.ProtocolBACnet, func(domain.Device) (driver.Driver, error) { return nil, wantErr })

	_, err := f.Build(domain.Device{Protocol: domain.ProtocolBACnet})
	assert.ErrorIs(t, err, wantErr)
}

type stubWorker struct {
	id                  string
	paused, resumed, stopped bool
}

func (w *stubWorker) DeviceID() string { return w.id }
func (w *stubWorker) Pause()           { w.paused = true }
func (w *stubWorker) Resume()          { w.resumed = true }
func (w *stubWorker) Stop()            { w.stopped = true }

func TestWorkerRegistryAddGetRemove(t *testing.T) {
	r := NewWorkerRegistry()
	w := &stubWorker{id: "dev-1"}
	r.Add(w)

	got, ok := r.Get("dev-1")
	require.True(t, ok)
	assert.Same(t, w, got)
	assert.Equal(t, []string{"dev-1"}, r.List())

	r.Remove("dev-1")
	_, ok = r.Get("dev-1")
	assert.False(t, ok)
	assert.Empty(t, r.List())
}

func TestWorkerRegistryGetMissingReturnsFalse(t *testing.T) {
	r := NewWorkerRegistry()
	_, ok := r.Get("missing")
	assert.False(t, ok)
}
