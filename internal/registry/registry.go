// Package registry implements the Driver Factory and Worker Registry:
// protocol-kind-keyed constructor lookup plus a live device-ID-to-worker
// index, replacing the singleton pattern the original design used with
// explicit dependency injection (spec §9 redesign note).
package registry

import (
	"fmt"
	"sync"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
)

// DriverFactory maps protocol kinds to driver constructors. Idempotent
// registration: registering the same kind twice replaces the constructor
// rather than erroring, so tests can substitute fakes.
type DriverFactory struct {
	mu    sync.RWMutex
	build map[domain.ProtocolKind]driver.Factory
}

func NewDriverFactory() *DriverFactory {
	return &DriverFactory{build: make(map[domain.ProtocolKind]driver.Factory)}
}

func (f *DriverFactory) Register(kind domain.ProtocolKind, ctor driver.Factory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.build[kind] = ctor
}

func (f *DriverFactory) Build(device domain.Device) (driver.Driver, error) {
	f.mu.RLock()
	ctor, ok := f.build[device.Protocol]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: no driver registered for protocol %s", device.Protocol)
	}
	return ctor(device)
}

// Worker is the minimal surface the registry needs from a running worker;
// it is satisfied by worker.Worker without an import cycle.
type Worker interface {
	DeviceID() string
	Pause()
	Resume()
	Stop()
}

// WorkerRegistry is the live index of running Device Workers, keyed by
// device ID. It exists so the runtime and introspection surface can look
// up and control a specific worker without the worker package needing to
// know about its siblings.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{workers: make(map[string]Worker)}
}

func (r *WorkerRegistry) Add(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.DeviceID()] = w
}

func (r *WorkerRegistry) Remove(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, deviceID)
}

func (r *WorkerRegistry) Get(deviceID string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[deviceID]
	return w, ok
}

func (r *WorkerRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	return ids
}
