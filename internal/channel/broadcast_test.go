package channel

import "testing"

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster[int]("test", 4, nil)
	a, err := b.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c, _ := b.Subscribe()

	b.Publish(1)
	b.Publish(2)

	for _, sub := range []*Subscription[int]{a, c} {
		if got := <-sub.C(); got != 1 {
			t.Fatalf("expected 1, got %d", got)
		}
		if got := <-sub.C(); got != 2 {
			t.Fatalf("expected 2, got %d", got)
		}
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	drops := 0
	b := NewBroadcaster[int]("test", 2, func() { drops++ })
	sub, _ := b.Subscribe()

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	if got := <-sub.C(); got != 4 {
		t.Fatalf("expected oldest surviving value 4, got %d", got)
	}
	if got := <-sub.C(); got != 5 {
		t.Fatalf("expected newest value 5, got %d", got)
	}
	stats := sub.Stats()
	if stats.Dropped != 3 || stats.Sent != 5 {
		t.Fatalf("unexpected subscription stats: %+v", stats)
	}
	if drops != 3 || b.Stats().Dropped != 3 {
		t.Fatalf("expected 3 drops reported, got %d / %+v", drops, b.Stats())
	}
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b := NewBroadcaster[int]("test", 1, nil)
	slow, _ := b.Subscribe()
	fast, _ := b.Subscribe()

	received := make([]int, 0, 3)
	for i := 1; i <= 3; i++ {
		b.Publish(i)
		received = append(received, <-fast.C())
	}

	if len(received) != 3 || received[2] != 3 {
		t.Fatalf("fast subscriber missed values: %v", received)
	}
	if fast.Stats().Dropped != 0 {
		t.Fatalf("fast subscriber should not drop: %+v", fast.Stats())
	}
	if slow.Stats().Dropped != 2 {
		t.Fatalf("expected slow subscriber to drop 2, got %+v", slow.Stats())
	}
	if got := <-slow.C(); got != 3 {
		t.Fatalf("slow subscriber should hold newest value, got %d", got)
	}
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	b := NewBroadcaster[int]("test", 1, nil)
	sub, _ := b.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe()

	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed queue")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
	b.Publish(1)
}

func TestCloseRejectsNewSubscribers(t *testing.T) {
	b := NewBroadcaster[int]("test", 1, nil)
	sub, _ := b.Subscribe()
	b.Close()
	b.Close()

	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed queue after Close")
	}
	if _, err := b.Subscribe(); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if n := b.Publish(1); n != 0 {
		t.Fatalf("publish after close should be a no-op")
	}
	sub.Unsubscribe()
}

func TestOccupancy(t *testing.T) {
	b := NewBroadcaster[string]("test", 3, nil)
	_, _ = b.Subscribe()
	b.Publish("a")
	b.Publish("b")

	occ := b.Occupancy()
	if len(occ) != 1 || occ[0].Len != 2 || occ[0].Cap != 3 {
		t.Fatalf("unexpected occupancy: %+v", occ)
	}
}
