package router

import (
	"fmt"
	"testing"
	"time"

	"geogram/internal/transport"
)

func TestQueueDropsOldestAtCapacity(t *testing.T) {
	q := NewQueue(1000)
	for i := 0; i < 1000; i++ {
		m := transport.NewMessage("AA1BBB", transport.KindSync, nil)
		m.ID = fmt.Sprintf("m-%04d", i)
		if dropped := q.Push(m); dropped != nil {
			t.Fatalf("unexpected drop at %d", i)
		}
	}

	extra := transport.NewMessage("AA1BBB", transport.KindSync, nil)
	extra.ID = "m-newest"
	dropped := q.Push(extra)
	if dropped == nil || dropped.ID != "m-0000" {
		t.Fatalf("expected oldest m-0000 dropped, got %v", dropped)
	}
	if q.Len() != 1000 {
		t.Fatalf("expected capacity held at 1000, got %d", q.Len())
	}

	items := q.Drain()
	if items[0].ID != "m-0001" {
		t.Fatalf("expected m-0001 first after eviction, got %s", items[0].ID)
	}
	if items[len(items)-1].ID != "m-newest" {
		t.Fatalf("expected newest retained, got %s", items[len(items)-1].ID)
	}
}

func TestQueueDropExpired(t *testing.T) {
	q := NewQueue(10)
	now := time.Now()

	fresh := transport.NewMessage("AA1BBB", transport.KindSync, nil)
	fresh.CreatedAt = now
	fresh.TTL = time.Hour

	stale := transport.NewMessage("AA1BBB", transport.KindSync, nil)
	stale.CreatedAt = now.Add(-2 * time.Hour)
	stale.TTL = time.Hour

	forever := transport.NewMessage("AA1BBB", transport.KindSync, nil)
	forever.CreatedAt = now.Add(-100 * time.Hour)

	q.Push(fresh)
	q.Push(stale)
	q.Push(forever)

	expired := q.DropExpired(now)
	if len(expired) != 1 || expired[0] != stale {
		t.Fatalf("expected only stale entry expired, got %v", expired)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 entries kept, got %d", q.Len())
	}
}

func TestQueueDrainIsFIFO(t *testing.T) {
	q := NewQueue(10)
	for i := 0; i < 3; i++ {
		m := transport.NewMessage("AA1BBB", transport.KindSync, nil)
		m.ID = fmt.Sprintf("m-%d", i)
		q.Push(m)
	}

	items := q.Drain()
	if len(items) != 3 {
		t.Fatalf("expected 3 drained, got %d", len(items))
	}
	for i, m := range items {
		if m.ID != fmt.Sprintf("m-%d", i) {
			t.Fatalf("expected FIFO order, got %s at %d", m.ID, i)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after drain")
	}
}
