package eas

import (
	"testing"
	"time"
)

func TestBusNotify(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(7, []string{"1", "3"})
	defer sub.Cancel()

	bus.Notify(7, "1")
	select {
	case ch := <-sub.C():
		if ch.UserID != 7 || ch.CollectionID != "1" {
			t.Errorf("change = %+v", ch)
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	// Filtered collection and foreign user are both dropped.
	bus.Notify(7, "2")
	bus.Notify(8, "1")
	select {
	case ch := <-sub.C():
		t.Errorf("unexpected change %+v", ch)
	default:
	}
}

func TestBusMatchAll(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1, nil)
	defer sub.Cancel()

	bus.Notify(1, "4")
	select {
	case ch := <-sub.C():
		if ch.CollectionID != "4" {
			t.Errorf("change = %+v", ch)
		}
	default:
		t.Fatal("no change delivered")
	}
}

func TestBusCancel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1, []string{"1"})
	sub.Cancel()
	sub.Cancel() // idempotent

	bus.Notify(1, "1")
	select {
	case ch := <-sub.C():
		t.Errorf("change after cancel: %+v", ch)
	default:
	}

	bus.mu.Lock()
	n := len(bus.subs)
	bus.mu.Unlock()
	if n != 0 {
		t.Errorf("subscriber table not emptied: %d users", n)
	}
}

func TestBusFullBufferDoesNotBlock(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1, nil)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Notify(1, "1")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Notify blocked on full subscriber")
	}
}
