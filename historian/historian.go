// Package historian implements the Historian Buffer: a bounded FIFO queue
// of samples drained by a background batcher into Postgres. Grounded on
// resources/manager.go's checkpointLoop (bounded channel, ticker-driven
// periodic flush, best-effort non-blocking enqueue); the append-only
// checkpoint file is replaced with a batched sqlx/lib/pq insert.
package historian

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/pulseone/collector/domain"
)

// Config controls the Historian Buffer.
type Config struct {
	DB            *sqlx.DB
	Table         string
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

// Stats is a point-in-time snapshot of buffer health.
type Stats struct {
	Queued  int
	Written uint64
	Dropped uint64
	Errors  uint64
}

type record struct {
	Point     domain.PointID
	Value     float64
	Quality   domain.Quality
	Timestamp time.Time
}

// Historian is the Historian Buffer.
type Historian struct {
	cfg Config

	queue chan record

	written uint64
	dropped uint64
	errs    uint64

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func New(cfg Config) *Historian {
	if cfg.Table == "" {
		cfg.Table = "current_value_history"
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10_000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	h := &Historian{cfg: cfg, queue: make(chan record, cfg.QueueCapacity), stopCh: make(chan struct{})}
	h.wg.Add(1)
	go h.batchLoop()
	return h
}

// Record enqueues a sample for historical persistence. Non-blocking: if the
// queue is full the sample is dropped and the drop counter incremented,
// applied at the enqueue boundary rather than by evicting already-queued
// entries. Returns false when the sample was dropped, so a caller fanning
// out to multiple sinks (see pipeline.Pipeline) can track its own
// historian-drop metric without polling Stats().
func (h *Historian) Record(point domain.PointID, cv domain.CurrentValue) bool {
	r := record{Point: point, Value: cv.Value, Quality: cv.Quality, Timestamp: cv.Timestamp}
	select {
	case h.queue <- r:
		return true
	default:
		atomic.AddUint64(&h.dropped, 1)
		return false
	}
}

func (h *Historian) Stats() Stats {
	return Stats{
		Queued:  len(h.queue),
		Written: atomic.LoadUint64(&h.written),
		Dropped: atomic.LoadUint64(&h.dropped),
		Errors:  atomic.LoadUint64(&h.errs),
	}
}

func (h *Historian) Close() error {
	close(h.stopCh)
	h.wg.Wait()
	return nil
}

func (h *Historian) batchLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()

	buffer := make([]record, 0, h.cfg.BatchSize)
	flush := func() {
		if len(buffer) == 0 {
			return
		}
		if err := h.flushBatch(buffer); err != nil {
			atomic.AddUint64(&h.errs, 1)
		} else {
			atomic.AddUint64(&h.written, uint64(len(buffer)))
		}
		buffer = buffer[:0]
	}

	for {
		select {
		case r, ok := <-h.queue:
			if !ok {
				flush()
				return
			}
			buffer = append(buffer, r)
			if len(buffer) >= h.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-h.stopCh:
			h.drainAndFlush(&buffer)
			flush()
			return
		}
	}
}

func (h *Historian) drainAndFlush(buffer *[]record) {
	for {
		select {
		case r, ok := <-h.queue:
			if !ok {
				return
			}
			*buffer = append(*buffer, r)
		default:
			return
		}
	}
}

func (h *Historian) flushBatch(batch []record) error {
	if h.cfg.DB == nil {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < h.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := h.insertBatch(ctx, batch)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return lastErr
}

func (h *Historian) insertBatch(ctx context.Context, batch []record) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (point_kind, point_id, value, quality, recorded_at) VALUES (:point_kind, :point_id, :value, :quality, :recorded_at)`,
		h.cfg.Table,
	)
	rows := make([]map[string]interface{}, 0, len(batch))
	for _, r := range batch {
		rows = append(rows, map[string]interface{}{
			"point_kind":  r.Point.Kind.String(),
			"point_id":    r.Point.ID,
			"value":       r.Value,
			"quality":     int(r.Quality),
			"recorded_at": r.Timestamp,
		})
	}
	tx, err := h.cfg.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
