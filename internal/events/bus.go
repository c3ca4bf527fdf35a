package events

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Message is a payload tagged with the topic it was published on.
type Message struct {
	Topic   Event
	Payload any
}

// subscriber receives either raw payloads (single topic) or tagged
// messages (SubscribeMany). Exactly one of the channels is set.
type subscriber struct {
	raw    chan any
	tagged chan Message
}

func (s *subscriber) offer(topic Event, payload any) bool {
	if s.tagged != nil {
		select {
		case s.tagged <- Message{Topic: topic, Payload: payload}:
			return true
		default:
			return false
		}
	}
	select {
	case s.raw <- payload:
		return true
	default:
		return false
	}
}

// topicCounters are created on first subscribe and never removed.
type topicCounters struct {
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// TopicStats reports delivery counters for one topic.
type TopicStats struct {
	Topic       Event  `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// BusStats is the /api/metrics view of the bus.
type BusStats struct {
	Published uint64       `json:"published"`
	Delivered uint64       `json:"delivered"`
	Dropped   uint64       `json:"dropped"`
	Topics    []TopicStats `json:"topics"`
}

// Bus is a non-blocking pub/sub broker. A subscriber whose buffer is full
// misses the payload; the miss is counted against the topic.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Event][]*subscriber
	counters map[Event]*topicCounters
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs:     make(map[Event][]*subscriber),
		counters: make(map[Event]*topicCounters),
	}
}

// Subscribe registers a listener for one topic and returns the channel and
// an unsubscribe function that closes it.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	sub := &subscriber{raw: make(chan any, buffer)}
	b.add(sub, []Event{e})

	var once sync.Once
	return sub.raw, func() {
		once.Do(func() {
			b.remove(sub, []Event{e})
			close(sub.raw)
		})
	}
}

// SubscribeMany registers one listener for several topics. Messages keep
// publish order per topic; buffer is shared across topics.
func (b *Bus) SubscribeMany(topics []Event, buffer int) (<-chan Message, func()) {
	sub := &subscriber{tagged: make(chan Message, buffer)}
	topics = append([]Event(nil), topics...)
	b.add(sub, topics)

	var once sync.Once
	return sub.tagged, func() {
		once.Do(func() {
			b.remove(sub, topics)
			close(sub.tagged)
		})
	}
}

func (b *Bus) add(sub *subscriber, topics []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range topics {
		b.subs[e] = append(b.subs[e], sub)
		if b.counters[e] == nil {
			b.counters[e] = &topicCounters{}
		}
	}
}

func (b *Bus) remove(sub *subscriber, topics []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range topics {
		subs := b.subs[e]
		for i, s := range subs {
			if s == sub {
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish fans payload out to the topic's subscribers without blocking.
// Publishing on a topic nobody ever subscribed to is a no-op.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c := b.counters[e]
	if c == nil {
		return
	}
	c.published.Add(1)
	for _, sub := range b.subs[e] {
		if sub.offer(e, payload) {
			c.delivered.Add(1)
		} else {
			c.dropped.Add(1)
		}
	}
}

// Stats returns delivery counters, topics sorted by name.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out BusStats
	for e, c := range b.counters {
		ts := TopicStats{
			Topic:       e,
			Subscribers: len(b.subs[e]),
			Published:   c.published.Load(),
			Delivered:   c.delivered.Load(),
			Dropped:     c.dropped.Load(),
		}
		out.Published += ts.Published
		out.Delivered += ts.Delivered
		out.Dropped += ts.Dropped
		out.Topics = append(out.Topics, ts)
	}
	sort.Slice(out.Topics, func(i, j int) bool { return out.Topics[i].Topic < out.Topics[j].Topic })
	return out
}
