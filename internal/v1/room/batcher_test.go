package room

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcherFlushesAfterInterval(t *testing.T) {
	pub := newFakePublisher()
	b := newBatcher(pub, "/room/a", 20*time.Millisecond, 50)
	defer b.Stop()

	b.Enqueue(context.Background(), EventTempoChanged, "u1", TempoChangedPayload{BPM: 90})

	assert.Empty(t, pub.eventsOn("/room/a"), "nothing goes out before the interval")

	require.Eventually(t, func() bool {
		return len(pub.eventsOn("/room/a")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBatcherCoalescesByKey(t *testing.T) {
	pub := newFakePublisher()
	b := newBatcher(pub, "/room/a", 10*time.Millisecond, 50)
	defer b.Stop()
	ctx := context.Background()

	for bpm := 60; bpm <= 100; bpm += 10 {
		b.Enqueue(ctx, EventTempoChanged, "u1", TempoChangedPayload{BPM: bpm})
	}
	b.Flush(ctx)

	events := pub.eventsOn("/room/a")
	require.Len(t, events, 1, "same key collapses to one message")
	rec, _ := pub.lastRecord("/room/a", EventTempoChanged)
	assert.Equal(t, 100, rec.Payload.(TempoChangedPayload).BPM, "latest payload wins")
}

func TestBatcherKeepsDistinctKeys(t *testing.T) {
	pub := newFakePublisher()
	b := newBatcher(pub, "/room/a", 10*time.Millisecond, 50)
	defer b.Stop()
	ctx := context.Background()

	b.Enqueue(ctx, EventTempoChanged, "u1", TempoChangedPayload{BPM: 90})
	b.Enqueue(ctx, EventTempoChanged, "u2", TempoChangedPayload{BPM: 100})
	b.Enqueue(ctx, EventUserReadyChanged, "u1", nil)
	b.Flush(ctx)

	assert.Len(t, pub.eventsOn("/room/a"), 3)
}

func TestBatcherOverflowDropsOldestHalf(t *testing.T) {
	pub := newFakePublisher()
	b := newBatcher(pub, "/room/a", time.Hour, 10)
	defer b.Stop()
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		b.Enqueue(ctx, types.Event(fmt.Sprintf("ev-%d", i)), "u1", i)
	}
	b.Flush(ctx)

	events := pub.eventsOn("/room/a")
	// 10 queued, oldest 5 dropped, then ev-10 appended.
	require.Len(t, events, 6)
	assert.Equal(t, types.Event("ev-5"), events[0])
	assert.Equal(t, types.Event("ev-10"), events[5], "most recent always survives")
}

func TestBatcherStopDiscardsPending(t *testing.T) {
	pub := newFakePublisher()
	b := newBatcher(pub, "/room/a", 10*time.Millisecond, 50)

	b.Enqueue(context.Background(), EventTempoChanged, "u1", TempoChangedPayload{BPM: 90})
	b.Stop()

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, pub.eventsOn("/room/a"))

	// Enqueue after Stop is a no-op.
	b.Enqueue(context.Background(), EventTempoChanged, "u1", TempoChangedPayload{BPM: 95})
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, pub.eventsOn("/room/a"))
}

func TestCriticalEventsBypassBatcher(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, Options{
		ApprovalTimeout: time.Minute,
		GracePeriod:     time.Minute,
		BatchInterval:   time.Hour, // a batched event would never flush
		MaxQueueSize:    50,
		DefaultBPM:      120,
		SettleDelay:     time.Minute,
	})
	b := joinUser(reg, r, "c-b", "bob", "bob")
	pub.reset()

	reg.PlayNote(context.Background(), r, b, PlayNotePayload{Notes: []string{"C4"}})

	_, ok := pub.lastRecord(r.Namespace(), EventNotePlayed)
	assert.True(t, ok, "notes must never latch behind the flush interval")
}
