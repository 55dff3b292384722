package store

import (
	"errors"
	"testing"
	"time"
)

func TestWaiterNotify(t *testing.T) {
	r := NewWaiterRegistry(0)

	w, err := r.Subscribe("stream-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer r.Unsubscribe(w)

	r.Notify("stream-1", 42)

	select {
	case total := <-w.C:
		if total != 42 {
			t.Errorf("expected total 42, got %d", total)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaiterNotifyOtherStream(t *testing.T) {
	r := NewWaiterRegistry(0)

	w, err := r.Subscribe("stream-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer r.Unsubscribe(w)

	r.Notify("stream-2", 42)

	select {
	case <-w.C:
		t.Fatal("waiter woken by unrelated stream")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaiterNotifyAll(t *testing.T) {
	r := NewWaiterRegistry(0)

	var waiters []*Waiter
	for i := 0; i < 5; i++ {
		w, err := r.Subscribe("stream-1")
		if err != nil {
			t.Fatalf("subscribe %d failed: %v", i, err)
		}
		waiters = append(waiters, w)
	}

	r.Notify("stream-1", 100)

	for i, w := range waiters {
		select {
		case <-w.C:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d was not woken", i)
		}
		r.Unsubscribe(w)
	}
}

func TestWaiterCoalescedWakes(t *testing.T) {
	r := NewWaiterRegistry(0)

	w, err := r.Subscribe("stream-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer r.Unsubscribe(w)

	// Back-to-back notifies must not block even though the waiter has
	// not drained its channel.
	r.Notify("stream-1", 10)
	r.Notify("stream-1", 20)
	r.Notify("stream-1", 30)

	select {
	case <-w.C:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaiterUnsubscribe(t *testing.T) {
	r := NewWaiterRegistry(0)

	w, err := r.Subscribe("stream-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if got := r.Count("stream-1"); got != 1 {
		t.Fatalf("expected 1 waiter, got %d", got)
	}

	r.Unsubscribe(w)
	if got := r.Count("stream-1"); got != 0 {
		t.Errorf("expected 0 waiters after unsubscribe, got %d", got)
	}

	// Double unsubscribe and nil are both safe.
	r.Unsubscribe(w)
	r.Unsubscribe(nil)
}

func TestWaiterSaturation(t *testing.T) {
	r := NewWaiterRegistry(3)

	for i := 0; i < 3; i++ {
		if _, err := r.Subscribe("stream-1"); err != nil {
			t.Fatalf("subscribe %d failed: %v", i, err)
		}
	}

	_, err := r.Subscribe("stream-1")
	if !errors.Is(err, ErrWaiterSaturation) {
		t.Fatalf("expected ErrWaiterSaturation, got %v", err)
	}

	// Other streams are unaffected by one stream's saturation.
	if _, err := r.Subscribe("stream-2"); err != nil {
		t.Errorf("unrelated stream should subscribe: %v", err)
	}
}
