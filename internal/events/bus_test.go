package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	received := []Event{}

	unsub := bus.Subscribe(EventJobStarted, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(EventJobStarted, map[string]any{"job_id": "job_123"})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventJobStarted {
		t.Errorf("expected type %s, got %s", EventJobStarted, received[0].Type)
	}
	if jobID, ok := received[0].Data["job_id"].(string); !ok || jobID != "job_123" {
		t.Errorf("expected job_id job_123, got %v", received[0].Data["job_id"])
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var types []EventType

	unsub := bus.SubscribeAll(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(EventJobStarted, nil)
	bus.Publish(EventQueueStateChanged, nil)
	bus.Publish(EventBatchHalted, nil)

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 3 {
		t.Fatalf("wildcard subscriber expected 3 events, got %d", len(types))
	}
}

func TestBus_TypedSubscriberIgnoresOtherTypes(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	unsub := bus.Subscribe(EventBatchHalted, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(EventJobStarted, nil)
	bus.Publish(EventJobFinished, nil)

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("expected 0 events, got %d", count)
	}
}

func TestBus_FullBufferDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	unsub := bus.Subscribe(EventJobStarted, func(Event) {
		<-block
	})
	defer unsub()
	defer close(block)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventJobStarted, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}

func TestBus_PanickingSubscriberIsContained(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	unsub := bus.Subscribe(EventJobStarted, func(Event) {
		panic("observer bug")
	})
	defer unsub()

	var mu sync.Mutex
	got := 0
	unsub2 := bus.Subscribe(EventJobStarted, func(Event) {
		mu.Lock()
		got++
		mu.Unlock()
	})
	defer unsub2()

	bus.Publish(EventJobStarted, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if got != 1 {
		t.Errorf("healthy subscriber should still receive events, got %d", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(EventJobStarted, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(EventJobStarted, nil)
	time.Sleep(50 * time.Millisecond)
	unsub()
	bus.Publish(EventJobStarted, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 event after unsubscribe, got %d", count)
	}
}
