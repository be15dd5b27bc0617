package storage

import (
	"context"
	"testing"
	"time"
)

func TestTickLogQueue_BatchSizeFlush(t *testing.T) {
	backend := NewMemoryBackend()
	q := NewTickLogQueue(backend, time.Hour, 3)

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(TickLogEntry{ID: string(rune('a' + i)), Job: "sample", Started: base}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if backend.Len(TierTickLog) != 0 {
		t.Fatal("Expected entries to wait for the batch")
	}

	if err := q.Enqueue(TickLogEntry{ID: "c", Job: "sample", Started: base}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if backend.Len(TierTickLog) != 3 {
		t.Fatalf("Expected batch flush of 3, got %d", backend.Len(TierTickLog))
	}
	if q.Pending() != 0 {
		t.Fatalf("Expected empty queue, got %d", q.Pending())
	}
}

func TestTickLogQueue_TimerFlush(t *testing.T) {
	backend := NewMemoryBackend()
	q := NewTickLogQueue(backend, 20*time.Millisecond, 100)
	q.Start()
	defer q.Stop()

	if err := q.Enqueue(TickLogEntry{ID: "a", Job: "flush", Started: base}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for backend.Len(TierTickLog) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if backend.Len(TierTickLog) != 1 {
		t.Fatal("Expected timer to flush the queue")
	}
}

func TestTickLogQueue_StopFlushes(t *testing.T) {
	backend := NewMemoryBackend()
	q := NewTickLogQueue(backend, time.Hour, 100)
	q.Start()

	if err := q.Enqueue(TickLogEntry{ID: "a", Job: "cleanup", Started: base}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Stop()

	entries, err := backend.ReadTickLog(context.Background(), time.Time{}, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].Job != "cleanup" {
		t.Fatalf("Expected remaining entry flushed on stop, got %+v", entries)
	}
}
