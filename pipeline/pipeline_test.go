package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/worker"
)

type recordingCache struct {
	mu   sync.Mutex
	puts []domain.CurrentValue
}

func (c *recordingCache) Put(ctx context.Context, cv domain.CurrentValue) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts = append(c.puts, cv)
	return true
}

func (c *recordingCache) all() []domain.CurrentValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CurrentValue, len(c.puts))
	copy(out, c.puts)
	return out
}

type recordingRules struct {
	mu    sync.Mutex
	seen  []domain.PointID
}

func (r *recordingRules) Accept(p domain.PointID, cv domain.CurrentValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, p)
}

func (r *recordingRules) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

type recordingHistorian struct {
	mu      sync.Mutex
	records []domain.PointID
	accept  bool
}

func (h *recordingHistorian) Record(p domain.PointID, cv domain.CurrentValue) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, p)
	return h.accept
}

func (h *recordingHistorian) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func TestPipelineFansOutToAllSinks(t *testing.T) {
	cache := &recordingCache{}
	rules := &recordingRules{}
	hist := &recordingHistorian{accept: true}

	p := New(Config{Cache: cache, Rules: rules, Historian: hist, Workers: 2, QueueSize: 16})
	defer p.Stop()

	point := domain.PointID{Kind: domain.PointKindData, ID: "temp-1"}
	for i := 0; i < 10; i++ {
		p.Accept(worker.Sample{Point: point, Value: domain.CurrentValue{Point: point, Value: float64(i)}, Loggable: true})
	}

	require.Eventually(t, func() bool {
		return p.Metrics().Delivered == 10
	}, time.Second, time.Millisecond, "all samples should be delivered")

	assert.Len(t, cache.all(), 10)
	assert.Equal(t, 10, rules.count())
	assert.Equal(t, 10, hist.count())
}

func TestPipelineAcceptAfterStopIsANoop(t *testing.T) {
	cache := &recordingCache{}
	p := New(Config{Cache: cache, Workers: 1, QueueSize: 4})

	point := domain.PointID{Kind: domain.PointKindData, ID: "temp-1"}
	p.Accept(worker.Sample{Point: point, Value: domain.CurrentValue{Point: point, Value: 1}})
	require.Eventually(t, func() bool { return p.Metrics().Delivered == 1 }, time.Second, time.Millisecond)

	p.Stop()
	assert.NotPanics(t, func() {
		p.Accept(worker.Sample{Point: point, Value: domain.CurrentValue{Point: point, Value: 2}})
	})
	assert.Equal(t, uint64(1), p.Metrics().Delivered)
}

func TestPipelineCountsHistorianDrops(t *testing.T) {
	hist := &recordingHistorian{accept: false}
	p := New(Config{Historian: hist, Workers: 1, QueueSize: 4})
	defer p.Stop()

	point := domain.PointID{Kind: domain.PointKindData, ID: "temp-1"}
	p.Accept(worker.Sample{Point: point, Value: domain.CurrentValue{Point: point, Value: 1}, Loggable: true})

	require.Eventually(t, func() bool { return p.Metrics().Delivered == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), p.Metrics().HistorianDrops)
}

func TestPipelineSkipsHistorianForNonLoggableSamples(t *testing.T) {
	cache := &recordingCache{}
	rules := &recordingRules{}
	hist := &recordingHistorian{accept: true}
	p := New(Config{Cache: cache, Rules: rules, Historian: hist, Workers: 1, QueueSize: 4})
	defer p.Stop()

	point := domain.PointID{Kind: domain.PointKindData, ID: "temp-1"}
	p.Accept(worker.Sample{Point: point, Value: domain.CurrentValue{Point: point, Value: 1}, Loggable: false})

	require.Eventually(t, func() bool { return p.Metrics().Delivered == 1 }, time.Second, time.Millisecond)
	assert.Len(t, cache.all(), 1, "a sample skipped for logging still reaches the Cache")
	assert.Equal(t, 1, rules.count(), "a sample skipped for logging still reaches the Rule Engine")
	assert.Equal(t, 0, hist.count(), "a sample skipped for logging never reaches the Historian")
}

func TestPipelineWorksWithoutOptionalSinks(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 4})
	defer p.Stop()

	point := domain.PointID{Kind: domain.PointKindData, ID: "temp-1"}
	p.Accept(worker.Sample{Point: point, Value: domain.CurrentValue{Point: point, Value: 1}})

	require.Eventually(t, func() bool { return p.Metrics().Delivered == 1 }, time.Second, time.Millisecond)
}
