package events

import (
	"sync"
	"testing"
	"time"
)

func TestNotifier_PublishNoSubscribers(t *testing.T) {
	n := NewNotifier(4)
	n.Publish(Notification{Kind: SchemeEvolved, Table: "bookings", Version: 2})
	if n.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", n.Dropped())
	}
}

func TestNotifier_SubscriberReceives(t *testing.T) {
	n := NewNotifier(4)
	sub := n.Subscribe()

	n.Publish(Notification{Kind: SchemeEvolved, Table: "bookings", Version: 2, Operation: "add_partition"})

	select {
	case notif := <-sub.Ch:
		if notif.Table != "bookings" || notif.Version != 2 {
			t.Errorf("unexpected notification %+v", notif)
		}
		if notif.Kind.String() != "scheme_evolved" {
			t.Errorf("expected scheme_evolved, got %s", notif.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive notification")
	}
}

func TestNotifier_TableFilter(t *testing.T) {
	n := NewNotifier(4)
	sub := n.Subscribe("orders")

	n.Publish(Notification{Table: "bookings", Version: 2})
	n.Publish(Notification{Table: "orders_archive", Version: 2})
	n.Publish(Notification{Table: "orders", Version: 5})

	select {
	case notif := <-sub.Ch:
		if notif.Table != "orders" || notif.Version != 5 {
			t.Errorf("filter let through %+v", notif)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive matching notification")
	}

	select {
	case notif := <-sub.Ch:
		t.Errorf("unexpected extra notification %+v", notif)
	default:
	}
}

func TestNotifier_FullChannelDrops(t *testing.T) {
	n := NewNotifier(1)
	sub := n.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			n.Publish(Notification{Table: "bookings", Version: int64(i + 2)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if n.Dropped() != 4 {
		t.Errorf("expected 4 drops, got %d", n.Dropped())
	}
	if got := (<-sub.Ch).Version; got != 2 {
		t.Errorf("expected the first notification to be kept, got version %d", got)
	}
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewNotifier(4)
	a := n.Subscribe()
	b := n.Subscribe("bookings")
	if a.ID == b.ID {
		t.Fatal("subscriber ids must be unique")
	}
	if n.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n.Subscribers())
	}

	n.Unsubscribe(a.ID)
	n.Unsubscribe(a.ID)
	n.Unsubscribe("missing")

	if _, ok := <-a.Ch; ok {
		t.Error("expected channel to be closed")
	}
	if n.Subscribers() != 1 {
		t.Errorf("expected 1 subscriber, got %d", n.Subscribers())
	}
}

func TestNotifier_ConcurrentPublishAndSubscribe(t *testing.T) {
	n := NewNotifier(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := n.Subscribe("bookings")
			n.Unsubscribe(sub.ID)
		}()
		go func(v int64) {
			defer wg.Done()
			n.Publish(Notification{Table: "bookings", Version: v})
		}(int64(i))
	}
	wg.Wait()
	if n.Subscribers() != 0 {
		t.Errorf("expected no subscribers left, got %d", n.Subscribers())
	}
}
