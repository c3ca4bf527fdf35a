package events

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventPriceTick, 1)
	defer unsub()

	bus.Publish(EventPriceTick, PriceTick{Symbol: "BTCUSDT", Price: 50000})

	select {
	case got := <-ch:
		tick, ok := got.(PriceTick)
		if !ok || tick.Price != 50000 {
			t.Fatalf("payload=%v, expected BTCUSDT tick", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected payload")
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventSignal, 1)
	defer unsub()

	bus.Publish(EventSignal, 1)
	bus.Publish(EventSignal, 2) // dropped, must not block

	if got := <-ch; got != 1 {
		t.Fatalf("payload=%v, expected 1", got)
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected payload %v", got)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventLoopState, 1)
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	// Publishing after unsubscribe is a no-op.
	bus.Publish(EventLoopState, "x")
}

func TestSubscribeManyTagsTopics(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.SubscribeMany([]Event{EventTradeOpened, EventTradeClosed}, 4)
	defer unsub()

	bus.Publish(EventTradeOpened, "open")
	bus.Publish(EventSignal, "ignored")
	bus.Publish(EventTradeClosed, "close")

	want := []Message{{Topic: EventTradeOpened, Payload: "open"}, {Topic: EventTradeClosed, Payload: "close"}}
	for i, w := range want {
		select {
		case got := <-ch:
			if got != w {
				t.Fatalf("message %d=%+v, expected %+v", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected message %d", i)
		}
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected message %+v", got)
	default:
	}
}

func TestStatsCountDroppedDeliveries(t *testing.T) {
	bus := NewBus()
	slow, unsubSlow := bus.Subscribe(EventPriceTick, 1)
	defer unsubSlow()
	fast, unsubFast := bus.SubscribeMany([]Event{EventPriceTick, EventLoopState}, 8)
	defer unsubFast()

	for i := 0; i < 3; i++ {
		bus.Publish(EventPriceTick, i)
	}
	bus.Publish(EventLoopState, "WAITING")
	bus.Publish(EventLoopHalted, "nobody listens")

	st := bus.Stats()
	if st.Published != 4 || st.Delivered != 5 || st.Dropped != 2 {
		t.Fatalf("stats=%+v, expected 4 published, 5 delivered, 2 dropped", st)
	}
	if len(st.Topics) != 2 {
		t.Fatalf("topics=%+v, expected loop.state and price_tick", st.Topics)
	}
	if st.Topics[0].Topic != EventLoopState || st.Topics[1].Topic != EventPriceTick {
		t.Fatalf("topics not sorted: %+v", st.Topics)
	}
	tick := st.Topics[1]
	if tick.Subscribers != 2 || tick.Dropped != 2 || tick.Delivered != 4 {
		t.Fatalf("price_tick stats=%+v", tick)
	}
	if len(slow) != 1 || len(fast) != 4 {
		t.Fatalf("buffered slow=%d fast=%d", len(slow), len(fast))
	}
}

func TestUnsubscribeManyStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.SubscribeMany(Streamed, 2)
	unsub()
	unsub() // idempotent
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	bus.Publish(EventSignal, "x")
	if st := bus.Stats(); st.Delivered != 0 || st.Dropped != 0 {
		t.Fatalf("stats=%+v, expected no deliveries after unsubscribe", st)
	}
}
