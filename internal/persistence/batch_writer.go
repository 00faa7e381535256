// Package persistence moves audit writes off the trading goroutines.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/db"
)

// Sink stores a batch of order audit rows atomically.
type Sink interface {
	InsertOrderAudits(ctx context.Context, rows []db.OrderAudit) error
}

// BatchWriter buffers order audit rows and flushes them when the buffer
// fills, on a timer, and on Close. It satisfies the loop's order recorder.
type BatchWriter struct {
	sink        Sink
	log         *zap.Logger
	buffer      []db.OrderAudit
	mu          sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	lastSize     atomic.Int64
	lastFlush    atomic.Int64
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts the background flusher.
// maxSize: rows before an immediate flush
// interval: time-based flush interval
func NewBatchWriter(sink Sink, maxSize int, interval time.Duration, log *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	bw := &BatchWriter{
		sink:        sink,
		log:         log,
		buffer:      make([]db.OrderAudit, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// InsertOrderAudit queues o. The row id is not known until the flush, so
// it always returns 0.
func (bw *BatchWriter) InsertOrderAudit(ctx context.Context, o db.OrderAudit) (int64, error) {
	if o.AccountID == "" {
		return 0, db.ErrAccountIDRequired
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, o)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		if err := bw.Flush(); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// Flush immediately writes all buffered rows. Rows of a failed batch are
// dropped and counted as errors.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}

	rows := bw.buffer
	bw.buffer = make([]db.OrderAudit, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(rows)
}

func (bw *BatchWriter) executeBatch(rows []db.OrderAudit) error {
	bw.totalWrites.Add(uint64(len(rows)))
	bw.totalBatches.Add(1)
	bw.lastSize.Store(int64(len(rows)))
	bw.lastFlush.Store(time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bw.sink.InsertOrderAudits(ctx, rows); err != nil {
		bw.totalErrors.Add(1)
		bw.log.Error("order audit batch failed", zap.Int("rows", len(rows)), zap.Error(err))
		return err
	}
	bw.log.Debug("order audit batch flushed", zap.Int("rows", len(rows)))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush()
		case <-bw.done:
			// final flush before shutdown
			_ = bw.Flush()
			return
		}
	}
}

// Pending returns the number of buffered rows.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	m := BatchWriterMetrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		LastBatchSize: int(bw.lastSize.Load()),
	}
	if ns := bw.lastFlush.Load(); ns > 0 {
		m.LastFlushTime = time.Unix(0, ns)
	}
	return m
}

// Close flushes what is left and stops the background flusher.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
