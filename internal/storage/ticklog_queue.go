package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/thisdougb/dbhealth/internal/config"
)

// TickLogQueue batches tick audit entries in memory and writes them to the
// backend periodically or once batchSize entries are waiting, so recording
// a tick never waits on disk.
type TickLogQueue struct {
	backend       Backend
	flushInterval time.Duration
	batchSize     int
	queue         []TickLogEntry
	mu            sync.Mutex // protects queue
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewTickLogQueue creates a queue in front of backend. Start must be called
// before entries are flushed on the timer.
func NewTickLogQueue(backend Backend, flushInterval time.Duration, batchSize int) *TickLogQueue {
	ctx, cancel := context.WithCancel(context.Background())

	if batchSize <= 0 {
		batchSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}

	return &TickLogQueue{
		backend:       backend,
		flushInterval: flushInterval,
		batchSize:     batchSize,
		queue:         make([]TickLogEntry, 0, batchSize),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins background processing of the queue.
func (q *TickLogQueue) Start() {
	q.wg.Add(1)
	go q.processQueue()
}

// Stop ends background processing and flushes whatever is still queued.
func (q *TickLogQueue) Stop() {
	q.cancel()
	q.wg.Wait()
	q.flushQueue()
}

// Enqueue adds entries; reaching batchSize flushes immediately.
func (q *TickLogQueue) Enqueue(entries ...TickLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.queue = append(q.queue, entries...)

	if len(q.queue) >= q.batchSize {
		return q.flushQueueUnsafe()
	}

	return nil
}

// ForceFlush writes every queued entry now.
func (q *TickLogQueue) ForceFlush() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.flushQueueUnsafe()
}

// Pending returns the number of queued entries.
func (q *TickLogQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *TickLogQueue) processQueue() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.flushQueue()
		}
	}
}

func (q *TickLogQueue) flushQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.flushQueueUnsafe(); err != nil {
		config.LogError(context.Background(), "failed to flush tick log: "+err.Error())
	}
}

// flushQueueUnsafe assumes the caller holds mu. Entries that fail to write
// are dropped; the tick log is an audit aid, not a source of truth.
func (q *TickLogQueue) flushQueueUnsafe() error {
	if len(q.queue) == 0 {
		return nil
	}

	batch := make([]TickLogEntry, len(q.queue))
	copy(batch, q.queue)
	q.queue = q.queue[:0]

	if err := q.backend.InsertTickLog(context.Background(), batch); err != nil {
		return errors.Wrapf(err, "dropped %d tick log entries", len(batch))
	}

	return nil
}
