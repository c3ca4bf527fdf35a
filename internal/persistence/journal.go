package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"paper-trading-core/internal/signal"
	"paper-trading-core/pkg/db"
	"paper-trading-core/pkg/logger"
)

// JournalMetrics provides statistics about journal flushes.
type JournalMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// SignalJournal batches generated signals into the signals table.
type SignalJournal struct {
	db          *db.Database
	buffer      []db.SignalRecord
	mu          sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	closeErr    error // final flush result, written before wg.Done
	wg          sync.WaitGroup
	log         zerolog.Logger

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	lastMu       sync.Mutex
	lastSize     int
	lastFlush    time.Time
}

// NewSignalJournal creates a journal that flushes every interval or once
// maxSize records are buffered.
func NewSignalJournal(database *db.Database, maxSize int, interval time.Duration) *SignalJournal {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	j := &SignalJournal{
		db:          database,
		buffer:      make([]db.SignalRecord, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
		log:         logger.Component("journal"),
	}

	j.wg.Add(1)
	go j.backgroundFlush()

	return j
}

// Record buffers one signal.
func (j *SignalJournal) Record(sig signal.Signal) {
	reasons, err := json.Marshal(sig.ReasonTexts())
	if err != nil {
		reasons = []byte("[]")
	}
	rec := db.SignalRecord{
		Symbol:     sig.Symbol,
		Class:      string(sig.Class),
		Score:      sig.Score,
		Confidence: sig.Confidence,
		RiskLevel:  string(sig.Risk),
		Price:      sig.Price,
		Sentiment:  sig.Sentiment,
		Reasons:    string(reasons),
		CreatedAt:  sig.GeneratedAt.UTC(),
	}

	j.mu.Lock()
	j.buffer = append(j.buffer, rec)
	shouldFlush := len(j.buffer) >= j.maxSize
	j.mu.Unlock()

	if shouldFlush {
		j.Flush()
	}
}

// Flush immediately writes all buffered records.
func (j *SignalJournal) Flush() error {
	j.mu.Lock()
	if len(j.buffer) == 0 {
		j.mu.Unlock()
		return nil
	}
	batch := j.buffer
	j.buffer = make([]db.SignalRecord, 0, j.maxSize)
	j.mu.Unlock()

	return j.write(batch)
}

func (j *SignalJournal) write(batch []db.SignalRecord) error {
	j.totalWrites.Add(uint64(len(batch)))
	j.totalBatches.Add(1)
	j.lastMu.Lock()
	j.lastSize = len(batch)
	j.lastFlush = time.Now()
	j.lastMu.Unlock()

	err := j.db.WithTx(context.Background(), func(q *db.AccountQueries) error {
		return q.InsertSignals(context.Background(), batch)
	})
	if err != nil {
		j.totalErrors.Add(1)
		j.log.Error().Err(err).Int("records", len(batch)).Msg("❌ signal journal flush failed")
		return err
	}
	j.log.Debug().Int("records", len(batch)).Msg("💾 signal journal flushed")
	return nil
}

// Recent returns the latest journaled signals for symbol, flushing first.
func (j *SignalJournal) Recent(ctx context.Context, symbol string, limit int) ([]db.SignalRecord, error) {
	if err := j.Flush(); err != nil {
		return nil, err
	}
	return j.db.Queries().GetSignalsBySymbol(ctx, symbol, limit)
}

func (j *SignalJournal) backgroundFlush() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := j.Flush(); err != nil {
				j.log.Warn().Err(err).Msg("background flush error")
			}
		case <-j.done:
			if err := j.Flush(); err != nil {
				j.log.Warn().Err(err).Msg("final flush error")
				j.closeErr = err
			}
			return
		}
	}
}

// Pending returns the number of buffered records.
func (j *SignalJournal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

// GetMetrics returns the current flush statistics.
func (j *SignalJournal) GetMetrics() JournalMetrics {
	j.lastMu.Lock()
	defer j.lastMu.Unlock()
	return JournalMetrics{
		TotalWrites:   j.totalWrites.Load(),
		TotalBatches:  j.totalBatches.Load(),
		TotalErrors:   j.totalErrors.Load(),
		LastBatchSize: j.lastSize,
		LastFlushTime: j.lastFlush,
	}
}

// Close flushes remaining records and stops the background goroutine. It
// returns the final flush error; records in that batch are lost.
func (j *SignalJournal) Close() error {
	j.closeOnce.Do(func() { close(j.done) })
	j.wg.Wait()
	return j.closeErr
}
