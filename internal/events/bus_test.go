package events

import (
	"sync"
	"testing"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()

	var got []any
	sub := bus.Subscribe("shadow.updated", func(_ string, payload any) {
		got = append(got, payload)
	})
	defer sub.Cancel()

	bus.Publish("shadow.updated", "first")
	bus.Publish("shadow.updated", "second")
	bus.Publish("shadow.deleted", "other topic")

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("received %v, want [first second] in order", got)
	}
}

func TestBusFailingSubscriberIsolated(t *testing.T) {
	bus := NewBus()

	delivered := 0
	record := func(string, any) { delivered++ }

	s1 := bus.Subscribe("shadow.updated", record)
	s2 := bus.Subscribe("shadow.updated", func(string, any) { panic("subscriber blew up") })
	s3 := bus.Subscribe("shadow.updated", record)
	defer s1.Cancel()
	defer s2.Cancel()
	defer s3.Cancel()

	bus.Publish("shadow.updated", "payload")

	if delivered != 2 {
		t.Errorf("delivered to %d healthy subscribers, want 2", delivered)
	}
}

func TestSubscriptionCancel(t *testing.T) {
	bus := NewBus()

	count := 0
	sub := bus.Subscribe("shadow.created", func(string, any) { count++ })

	bus.Publish("shadow.created", nil)
	sub.Cancel()
	bus.Publish("shadow.created", nil)

	if count != 1 {
		t.Errorf("handler ran %d times, want 1 (cancel must stop delivery)", count)
	}
	if bus.SubscriberCount("shadow.created") != 0 {
		t.Error("cancelled subscription still counted")
	}

	// Cancel is idempotent.
	sub.Cancel()
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	// Must not panic or block.
	bus.Publish("shadow.updated", "nobody listening")
}

func TestBusConcurrentUse(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	received := 0
	sub := bus.Subscribe("shadow.updated", func(string, any) {
		mu.Lock()
		received++
		mu.Unlock()
	})
	defer sub.Cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				bus.Publish("shadow.updated", j)
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := bus.Subscribe("shadow.deleted", func(string, any) {})
			s.Cancel()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if received != 200 {
		t.Errorf("received %d events, want 200", received)
	}
}
