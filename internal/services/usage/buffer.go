// Package usage moves request events from the hot path to the database
// asynchronously: an in-process buffer feeds a redis queue, and workers
// drain the queue into request_events plus the daily rollups.
package usage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omnigate/omnigate/internal/models"
)

// Buffer batches events in memory so the request path pays one mutexed
// append, not a redis round trip. Flushes on size or interval, whichever
// comes first, and drains on shutdown.
type Buffer struct {
	queue  *Queue
	logger *zap.Logger

	maxSize       int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []models.RequestEvent

	stop chan struct{}
	done chan struct{}
}

func NewBuffer(queue *Queue, logger *zap.Logger, maxSize int, flushInterval time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Buffer{
		queue:         queue,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		pending:       make([]models.RequestEvent, 0, maxSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the background flusher.
func (b *Buffer) Start() {
	go b.loop()
}

// Record appends one event. Never blocks on redis; a full batch is
// handed to the queue asynchronously.
func (b *Buffer) Record(event models.RequestEvent) {
	b.mu.Lock()
	b.pending = append(b.pending, event)
	full := len(b.pending) >= b.maxSize
	var batch []models.RequestEvent
	if full {
		batch = b.take()
	}
	b.mu.Unlock()

	if full {
		go b.publish(batch)
	}
}

func (b *Buffer) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stop:
			b.Flush()
			return
		}
	}
}

// Flush pushes whatever is pending, regardless of batch size.
func (b *Buffer) Flush() {
	b.mu.Lock()
	batch := b.take()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.publish(batch)
	}
}

// take swaps out the pending slice; caller must hold the mutex.
func (b *Buffer) take() []models.RequestEvent {
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = make([]models.RequestEvent, 0, b.maxSize)
	return batch
}

func (b *Buffer) publish(batch []models.RequestEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.queue.Enqueue(ctx, batch); err != nil {
		// The events are gone. Billing already happened in redis, so
		// money is safe; only the analytics rows are lost.
		b.logger.Error("failed to enqueue usage batch, events dropped",
			zap.Int("count", len(batch)),
			zap.Error(err))
	}
}

// Close stops the flusher after one final drain.
func (b *Buffer) Close() {
	close(b.stop)
	<-b.done
}
