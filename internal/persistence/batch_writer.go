// Package persistence batches history inserts off the order hot path.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("batch writer closed")

// WriteOp represents a database write operation.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter buffers history inserts and commits them in one transaction
// per flush. It implements db.HistoryWriter.
type BatchWriter struct {
	db       *sql.DB
	log      *zap.SugaredLogger
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	buffer []WriteOp
	closed bool

	metrics BatchWriterMetrics
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer. maxSize triggers an early flush,
// interval drives the background one.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration, log *zap.SugaredLogger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &BatchWriter{
		db:       db,
		log:      log,
		maxSize:  maxSize,
		interval: interval,
		buffer:   make([]WriteOp, 0, maxSize),
	}
}

// WriteQuery buffers one statement.
func (bw *BatchWriter) WriteQuery(query string, args ...any) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrClosed
	}
	bw.buffer = append(bw.buffer, WriteOp{Query: query, Args: args})
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		return bw.Flush()
	}
	return nil
}

// Flush immediately writes all buffered operations.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ops)
}

func (bw *BatchWriter) executeBatch(ops []WriteOp) error {
	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(ops)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)
	bw.mu.Lock()
	bw.metrics.LastBatchSize = len(ops)
	bw.metrics.LastFlushTime = time.Now()
	bw.mu.Unlock()

	tx, err := bw.db.Begin()
	if err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.log.Errorw("batch begin failed", "ops", len(ops), "error", err)
		return err
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			atomic.AddUint64(&bw.metrics.TotalErrors, 1)
			bw.log.Errorw("batch statement failed, rolled back", "ops", len(ops), "error", err)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.log.Errorw("batch commit failed", "ops", len(ops), "error", err)
		return err
	}
	bw.log.Debugw("history batch flushed", "ops", len(ops))
	return nil
}

// Start flushes on every interval until ctx is done, then closes the
// writer with a final flush.
func (bw *BatchWriter) Start(ctx context.Context) error {
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				bw.log.Warnw("background flush failed", "error", err)
			}
		case <-ctx.Done():
			return bw.Close()
		}
	}
}

// Pending returns the number of buffered operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Stats returns the current counters.
func (bw *BatchWriter) Stats() BatchWriterMetrics {
	bw.mu.Lock()
	size, last := bw.metrics.LastBatchSize, bw.metrics.LastFlushTime
	bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: size,
		LastFlushTime: last,
	}
}

// Close rejects further writes and flushes what is buffered.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	bw.closed = true
	bw.mu.Unlock()
	return bw.Flush()
}
