package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/consentvault/internal/metrics"
)

// BatcherConfig sizes the queues and paces the drain loops.
type BatcherConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// lane is one sink with its own queue and drain goroutine. A slow or failing
// sink only fills its own queue.
type lane struct {
	name  string
	sink  Sink
	queue chan Entry
	done  chan struct{}
}

// Batcher queues entries from many goroutines and flushes them to every sink.
// Entries still queued when the process dies are lost.
type Batcher struct {
	lanes  []*lane
	cfg    BatcherConfig
	logger *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started sync.Once
	stopped sync.Once
}

func NewBatcher(cfg BatcherConfig, logger *zap.Logger, sinks ...Sink) *Batcher {
	cfg = cfg.withDefaults()
	b := &Batcher{cfg: cfg, logger: logger}
	for _, s := range sinks {
		b.lanes = append(b.lanes, &lane{
			name:  sinkName(s),
			sink:  s,
			queue: make(chan Entry, cfg.QueueSize),
			done:  make(chan struct{}),
		})
	}
	return b
}

func sinkName(s Sink) string {
	name := fmt.Sprintf("%T", s)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Start launches one drain goroutine per sink. Calling it more than once has no effect.
func (b *Batcher) Start() {
	b.started.Do(func() {
		for _, l := range b.lanes {
			go b.run(l)
		}
	})
}

// Emit enqueues e for every sink without blocking. A sink whose queue is full
// misses the entry; the others still get it.
func (b *Batcher) Emit(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.lanes {
		if b.closed {
			b.drop(l, e, "batcher stopped")
			continue
		}
		select {
		case l.queue <- e:
			metrics.AuditQueueDepth.WithLabelValues(l.name).Set(float64(len(l.queue)))
		default:
			b.drop(l, e, "queue full")
		}
	}
}

// Stop refuses new entries, flushes everything queued and waits for every
// drain goroutine to exit or ctx to end.
func (b *Batcher) Stop(ctx context.Context) error {
	b.stopped.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, l := range b.lanes {
			close(l.queue)
		}
		b.mu.Unlock()
	})
	b.Start()
	for _, l := range b.lanes {
		select {
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Batcher) run(l *lane) {
	defer close(l.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, b.cfg.BatchSize)
	for {
		select {
		case e, ok := <-l.queue:
			if !ok {
				b.flush(l, batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= b.cfg.BatchSize {
				b.flush(l, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(l, batch)
				batch = batch[:0]
			}
		}
	}
}

// flush hands a BatchSink the whole batch in one call. Other sinks get each
// entry on its own so one failure does not hide the rest.
func (b *Batcher) flush(l *lane, batch []Entry) {
	if len(batch) == 0 {
		return
	}
	failed := 0
	if bs, ok := l.sink.(BatchSink); ok {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
		err := bs.CreateAuditEntries(ctx, batch)
		cancel()
		if err != nil {
			failed = len(batch)
			b.logger.Warn("Audit batch failed", zap.String("sink", l.name), zap.Int("count", len(batch)), zap.Error(err))
		}
	} else {
		for _, e := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
			err := l.sink.CreateAuditEntry(ctx, e)
			cancel()
			if err != nil {
				failed++
				b.logger.Warn("Audit creation failed",
					zap.String("sink", l.name),
					zap.Error(err),
					zap.String("action", string(e.Action)),
					zap.String("consent_id", e.ConsentID),
				)
			}
		}
	}
	metrics.AuditEntriesTotal.WithLabelValues(l.name, "failed").Add(float64(failed))
	metrics.AuditEntriesTotal.WithLabelValues(l.name, "written").Add(float64(len(batch) - failed))
	metrics.AuditQueueDepth.WithLabelValues(l.name).Set(float64(len(l.queue)))
	b.logger.Debug("Batch processed audit records",
		zap.String("sink", l.name), zap.Int("count", len(batch)), zap.Int("failed", failed))
}

func (b *Batcher) drop(l *lane, e Entry, reason string) {
	metrics.AuditEntriesTotal.WithLabelValues(l.name, "dropped").Inc()
	b.logger.Warn("Audit entry dropped",
		zap.String("sink", l.name),
		zap.String("reason", reason),
		zap.String("action", string(e.Action)),
		zap.String("consent_id", e.ConsentID),
	)
}
