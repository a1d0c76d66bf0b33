package event

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/controlroom/internal/plan"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus(nil)

	called := false
	id := bus.Subscribe("test.event", func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus(nil)

	var received Event
	bus.Subscribe(TypeSessionCreated, func(e Event) {
		received = e
	})

	bus.Publish(NewSessionCreatedEvent("proj", "s-1", "agent"))

	if received == nil {
		t.Fatal("Handler should have received the event")
	}
	created, ok := received.(SessionCreatedEvent)
	if !ok {
		t.Fatalf("Expected SessionCreatedEvent, got %T", received)
	}
	if created.SessionID != "s-1" || created.Template != "agent" {
		t.Errorf("Unexpected event payload: %+v", created)
	}
}

func TestBus_PublishOrderAcrossGroups(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "all") })
	bus.Subscribe("session.*", func(e Event) { order = append(order, "category") })
	bus.Subscribe(TypeSessionTerminated, func(e Event) { order = append(order, "exact") })
	bus.Subscribe(TypeSessionCreated, func(e Event) { order = append(order, "other") })

	bus.Publish(NewSessionTerminatedEvent("proj", "s-1"))

	want := "[exact category all]"
	if fmt.Sprint(order) != want {
		t.Errorf("handler order = %v, want %s", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := make(map[string]int)
	id1 := bus.Subscribe("test.event", func(e Event) { calls["handler1"]++ })
	bus.Subscribe("test.event", func(e Event) { calls["handler2"]++ })

	if !bus.Unsubscribe(id1) {
		t.Error("Unsubscribe should return true when subscription exists")
	}
	if bus.Unsubscribe("non-existent-id") {
		t.Error("Unsubscribe should return false for non-existent ID")
	}

	bus.Publish(newBaseEvent("test.event"))

	if calls["handler1"] != 0 {
		t.Error("handler1 should not be called after unsubscribing")
	}
	if calls["handler2"] != 1 {
		t.Error("handler2 should still be called")
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	bus.Subscribe("test.event", func(e Event) {
		calls++
		panic("handler panic")
	})
	bus.Subscribe("test.event", func(e Event) {
		calls++
	})

	bus.Publish(newBaseEvent("test.event"))

	if calls != 2 {
		t.Errorf("Expected both handlers to be called despite panic, got %d calls", calls)
	}
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestBus_WatchDeliversInOrder(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Watch()
	defer sub.Close()

	// Publish everything before reading so the queue has to hold it.
	const n = 100
	for i := range n {
		bus.Publish(newBaseEvent(fmt.Sprintf("test.e%d", i)))
	}

	for i := range n {
		e := receive(t, sub)
		if want := fmt.Sprintf("test.e%d", i); e.EventType() != want {
			t.Fatalf("event %d = %s, want %s", i, e.EventType(), want)
		}
	}
}

func TestBus_WatchFilters(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Watch(TypeStageChanged, "session.*")
	defer sub.Close()

	p, err := plan.Parse("PLAN.md", []byte("## Phase 1\n- 1.1 A [pending]\n"))
	if err != nil {
		t.Fatal(err)
	}
	bus.Publish(NewPlanChangedEvent("proj", p, nil, true))
	bus.Publish(NewStageChangedEvent("proj", "planning", "execute", "auto"))
	bus.Publish(NewConnectionChangedEvent(false, "eof"))
	bus.Publish(NewSessionFocusedEvent("proj", "s-2"))

	if e := receive(t, sub); e.EventType() != TypeStageChanged {
		t.Errorf("first event = %s", e.EventType())
	}
	if e := receive(t, sub); e.EventType() != TypeSessionFocused {
		t.Errorf("second event = %s", e.EventType())
	}
}

func TestBus_WatchDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Watch()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for range 1000 {
			bus.Publish(newBaseEvent("test.event"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on an unread subscription")
	}
}

func TestBus_WatchClose(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Watch()
	if bus.SubscriptionCount() != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}

	bus.Publish(newBaseEvent("test.event"))
	sub.Close()
	sub.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				if bus.SubscriptionCount() != 0 {
					t.Errorf("Expected 0 subscriptions, got %d", bus.SubscriptionCount())
				}
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after Close")
		}
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus(nil)

	bus.Subscribe("event.one", func(e Event) {})
	bus.SubscribeAll(func(e Event) {})
	sub := bus.Watch()

	if bus.SubscriptionCount() != 3 {
		t.Errorf("Expected 3 subscriptions before clear, got %d", bus.SubscriptionCount())
	}

	bus.Clear()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("Expected 0 subscriptions after clear, got %d", bus.SubscriptionCount())
	}
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Error("watch channel not closed by Clear")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.Subscribe("test.event", func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				bus.Publish(newBaseEvent("test.event"))
			}
		}()
	}
	wg.Wait()

	if count != 500 {
		t.Errorf("Expected 500 handler calls, got %d", count)
	}
}

func TestNewPlanChangedEvent(t *testing.T) {
	p, err := plan.Parse("PLAN.md", []byte("## Phase 1\n- 1.1 A [complete]\n- 1.2 B [pending]\n"))
	if err != nil {
		t.Fatal(err)
	}
	changes := []plan.TaskChange{{ID: "1.1", Old: plan.StatusPending, New: plan.StatusComplete}}

	e := NewPlanChangedEvent("proj", p, changes, false)
	if e.EventType() != TypePlanChanged || e.Hash != p.Hash || e.Path != "PLAN.md" {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.Progress.Total != 2 || e.Progress.Done() != 1 {
		t.Errorf("Progress = %+v", e.Progress)
	}
	if e.Timestamp().IsZero() {
		t.Error("Timestamp should be set")
	}
}
