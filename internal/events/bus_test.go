package events

import "testing"

func TestPublishFansOutToSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(EventPassageComplete)
	b := bus.Subscribe(EventPassageComplete)
	other := bus.Subscribe(EventQueueChanged)

	bus.Publish(EventPassageComplete, Payload{"queue_entry_id": "x"})

	for _, sub := range []Subscriber{a, b} {
		select {
		case p := <-sub:
			if p["queue_entry_id"] != "x" {
				t.Fatalf("unexpected payload: %+v", p)
			}
		default:
			t.Fatal("subscriber did not receive event")
		}
	}
	select {
	case <-other:
		t.Fatal("wrong event type delivered")
	default:
	}
}

func TestPublishPreservesPerSourceOrder(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventPositionUpdate)

	for i := 0; i < 10; i++ {
		bus.Publish(EventPositionUpdate, Payload{"seq": i})
	}
	for i := 0; i < 10; i++ {
		p := <-sub
		if p["seq"] != i {
			t.Fatalf("out of order: expected %d got %v", i, p["seq"])
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventStateChanged)
	bus.Unsubscribe(EventStateChanged, sub)
	if _, ok := <-sub; ok {
		t.Fatal("expected closed channel")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(EventStateChanged, Payload{})
}
