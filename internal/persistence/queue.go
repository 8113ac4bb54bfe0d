package persistence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/cache"
	"github.com/fyrsmithlabs/dialectd/internal/signal"
)

// Config holds queue tuning parameters.
type Config struct {
	// Enabled turns background persistence on.
	Enabled bool `koanf:"enabled"`

	// Dir is the file store directory.
	Dir string `koanf:"dir"`

	// FlushInterval is the maximum time a batch waits before flushing.
	FlushInterval time.Duration `koanf:"flush_interval"`

	// BatchSize flushes the batch early once this many ops are
	// pending.
	BatchSize int `koanf:"batch_size"`

	// QueueDepth bounds the enqueue channel.
	QueueDepth int `koanf:"queue_depth"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		FlushInterval: 5 * time.Second,
		BatchSize:     64,
		QueueDepth:    1024,
	}
}

// Queue is the non-blocking persistence front end. Enqueue methods
// never block and never fail; when the queue is full the operation is
// dropped and counted.
type Queue struct {
	cfg    Config
	store  Store
	logger *zap.Logger

	ops chan Op

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    sync.WaitGroup
	dropped uint64
}

// NewQueue creates a queue flushing to store.
func NewQueue(cfg Config, store Store, logger *zap.Logger) *Queue {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 1024
	}
	return &Queue{
		cfg:    cfg,
		store:  store,
		logger: logger,
		ops:    make(chan Op, depth),
	}
}

// StorePattern enqueues a newly confirmed pattern.
func (q *Queue) StorePattern(p *signal.Pattern) {
	q.enqueue(Op{Kind: OpStorePattern, Timestamp: time.Now(), Pattern: p.Clone()})
}

// UpdatePattern enqueues a pattern metadata update.
func (q *Queue) UpdatePattern(p *signal.Pattern) {
	q.enqueue(Op{Kind: OpUpdatePattern, Timestamp: time.Now(), Pattern: p.Clone()})
}

// StorePhoneme enqueues a phoneme.
func (q *Queue) StorePhoneme(ph cache.Phoneme) {
	q.enqueue(Op{Kind: OpStorePhoneme, Timestamp: time.Now(), Phoneme: &ph})
}

func (q *Queue) enqueue(op Op) {
	select {
	case q.ops <- op:
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
	}
}

// Dropped returns how many operations were lost to a full queue.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Start launches the flush worker. Idempotent.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})

	q.done.Add(1)
	go q.run(ctx, q.stopCh)

	q.logger.Info("persistence queue started",
		zap.Duration("flush_interval", q.cfg.FlushInterval),
		zap.Int("batch_size", q.cfg.BatchSize))
}

func (q *Queue) run(ctx context.Context, stopCh chan struct{}) {
	defer q.done.Done()

	interval := q.cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Op, 0, q.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := q.store.Apply(ctx, batch); err != nil {
			q.logger.Error("persistence flush failed",
				zap.Int("ops", len(batch)),
				zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case op := <-q.ops:
			batch = append(batch, op)
			if q.cfg.BatchSize > 0 && len(batch) >= q.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-stopCh:
			// Drain whatever is already queued, then flush once.
			for {
				select {
				case op := <-q.ops:
					batch = append(batch, op)
				default:
					flush()
					return
				}
			}
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// Stop halts the worker after a final drain and flush. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.done.Wait()
}
