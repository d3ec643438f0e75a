// Package pubsub implements the process-wide topic broker that fans server
// events out to agent sessions. Topics are exact-match strings (fleet:{id},
// fleet:{id}:tag:{t}, fleet:{id}:agent:{a}, memory:{fleet}:{key}, hub:events,
// hub:events:{type}). Publication never blocks: every subscriber owns a
// bounded work queue and receives deliveries in publish order; a full queue
// drops the delivery for that subscriber only.
package pubsub

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/metrics"
)

// Delivery is one message handed to a subscriber's queue.
type Delivery struct {
	Topic string
	Data  []byte
}

// Forwarder mirrors every local publish to a sibling replica (see Bridge).
type Forwarder func(topic string, data []byte)

// Broker maps topic names to subscriber sets.
type Broker struct {
	mu        sync.RWMutex
	topics    map[string]map[*Subscriber]struct{}
	forwarder Forwarder
	logger    *logger.Logger
	closed    bool
}

// Subscriber is one consumer attached to any number of topics. All its
// deliveries share a single FIFO queue drained by the owner.
type Subscriber struct {
	broker    *Broker
	queue     chan Delivery
	topics    map[string]struct{}
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewBroker creates an empty broker.
func NewBroker(log *logger.Logger) *Broker {
	return &Broker{
		topics: make(map[string]map[*Subscriber]struct{}),
		logger: log.Named("pubsub"),
	}
}

// SetForwarder installs the replica forwarder. Publishes are mirrored to it;
// injected deliveries from the forwarder's counterpart are not (Inject).
func (b *Broker) SetForwarder(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarder = f
}

// NewSubscriber creates a subscriber with the given queue capacity.
func (b *Broker) NewSubscriber(capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = 256
	}
	return &Subscriber{
		broker: b,
		queue:  make(chan Delivery, capacity),
		topics: make(map[string]struct{}),
	}
}

// Publish delivers data to every subscriber of topic and mirrors the message
// to the replica forwarder when one is installed. It never blocks.
func (b *Broker) Publish(topic string, data []byte) {
	b.mu.RLock()
	forwarder := b.forwarder
	b.mu.RUnlock()

	b.Inject(topic, data)

	if forwarder != nil {
		forwarder(topic, data)
	}
}

// Inject delivers data locally without touching the forwarder. The bridge
// uses it to re-deliver messages originating on sibling replicas.
func (b *Broker) Inject(topic string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	subs, ok := b.topics[topic]
	if !ok {
		return
	}

	d := Delivery{Topic: topic, Data: data}
	for sub := range subs {
		select {
		case sub.queue <- d:
		default:
			// Slow consumer: drop for this subscriber only.
			n := sub.dropped.Add(1)
			metrics.PubsubDroppedTotal.Inc()
			if n == 1 || n%1000 == 0 {
				b.logger.Warn("dropping delivery for slow subscriber",
					zap.String("topic", topic),
					zap.Int64("dropped", n))
			}
		}
	}
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close detaches every subscriber and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0)
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.topics = make(map[string]map[*Subscriber]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.markClosed()
	}
}

func (b *Broker) attach(topic string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}
}

func (b *Broker) detach(topic string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.topics, topic)
	}
}

// Subscribe attaches the subscriber to a topic. Idempotent per topic.
func (s *Subscriber) Subscribe(topic string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.topics[topic]; ok {
		s.mu.Unlock()
		return
	}
	s.topics[topic] = struct{}{}
	s.mu.Unlock()

	s.broker.attach(topic, s)
}

// Unsubscribe detaches the subscriber from a topic.
func (s *Subscriber) Unsubscribe(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()

	s.broker.detach(topic, s)
}

// Topics returns a snapshot of the subscribed topic set.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// C returns the delivery queue. It is closed by Close.
func (s *Subscriber) C() <-chan Delivery {
	return s.queue
}

// Dropped returns how many deliveries were lost to a full queue.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches from all topics and closes the delivery queue.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.topics = make(map[string]struct{})
	s.mu.Unlock()

	// Detach before closing the queue: detach blocks on the broker lock, so
	// no publisher still holds a reference once it returns.
	for _, t := range topics {
		s.broker.detach(t, s)
	}
	s.closeOnce.Do(func() { close(s.queue) })
}

func (s *Subscriber) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.queue) })
}
