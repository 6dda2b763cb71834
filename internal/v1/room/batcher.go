package room

import (
	"context"
	"sync"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/metrics"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
)

// batchKey identifies a coalescable message: only the newest payload per
// (event, user) survives until the flush.
type batchKey struct {
	Event  types.Event
	UserID types.UserIDType
}

type batchEntry struct {
	key     batchKey
	payload any
}

// Batcher coalesces non-critical room events. The flush timer starts when
// the queue goes from empty to non-empty, so a message waits at most one
// interval. On overflow the oldest half is dropped; the batcher guarantees
// delivery of the most recent state per key, not every intermediate.
type Batcher struct {
	pub      Publisher
	path     string
	interval time.Duration
	maxQueue int

	mu      sync.Mutex
	queue   []batchEntry
	index   map[batchKey]int
	timer   *time.Timer
	stopped bool
}

func newBatcher(pub Publisher, path string, interval time.Duration, maxQueue int) *Batcher {
	return &Batcher{
		pub:      pub,
		path:     path,
		interval: interval,
		maxQueue: maxQueue,
		index:    make(map[batchKey]int),
	}
}

// Enqueue queues a message for the next flush, replacing any pending message
// with the same (event, user) key.
func (b *Batcher) Enqueue(ctx context.Context, event types.Event, userID types.UserIDType, payload any) {
	key := batchKey{Event: event, UserID: userID}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}

	if i, ok := b.index[key]; ok {
		b.queue[i].payload = payload
		metrics.BatcherCoalesced.Inc()
		b.mu.Unlock()
		return
	}

	if len(b.queue) >= b.maxQueue {
		b.dropOldestHalfLocked()
	}

	b.queue = append(b.queue, batchEntry{key: key, payload: payload})
	b.index[key] = len(b.queue) - 1

	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, func() {
			b.flush(context.Background())
		})
	}
	b.mu.Unlock()
}

// dropOldestHalfLocked evicts the older half of the queue on overflow.
func (b *Batcher) dropOldestHalfLocked() {
	half := len(b.queue) / 2
	if half == 0 {
		half = 1
	}
	dropped := b.queue[:half]
	for _, e := range dropped {
		delete(b.index, e.key)
		metrics.BatcherDropped.Inc()
	}
	remaining := make([]batchEntry, len(b.queue)-half)
	copy(remaining, b.queue[half:])
	b.queue = remaining
	for i, e := range b.queue {
		b.index[e.key] = i
	}
}

// flush publishes the queued messages in arrival order.
func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	b.index = make(map[batchKey]int)
	b.timer = nil
	stopped := b.stopped
	b.mu.Unlock()

	if stopped {
		return
	}
	for _, e := range pending {
		b.pub.Publish(ctx, b.path, e.key.Event, e.payload)
	}
}

// Flush forces an immediate flush. Used by tests and shutdown.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	b.flush(ctx)
}

// Stop discards pending messages and prevents further enqueues.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.queue = nil
	b.index = make(map[batchKey]int)
	b.mu.Unlock()
}
