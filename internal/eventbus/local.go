package eventbus

import (
	"context"
	"sync"

	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/metrics"
)

// LocalBus keeps a bounded per-topic log in process memory. It is the
// development and single-node backend: durable for the life of the process,
// replayable, and capped at maxPerTopic entries per topic with
// oldest-by-(timestamp, seq) eviction.
type LocalBus struct {
	mu          sync.RWMutex
	topics      map[string]*topicLog
	maxPerTopic int
	logger      *logger.Logger
	closed      bool
}

type storedEvent struct {
	evt *Event
	seq uint64
}

type topicLog struct {
	entries []storedEvent // sorted by (timestamp, seq)
	nextSeq uint64
}

// NewLocalBus creates a local bus holding at most maxPerTopic events per topic.
func NewLocalBus(maxPerTopic int, log *logger.Logger) *LocalBus {
	if maxPerTopic <= 0 {
		maxPerTopic = 10000
	}
	return &LocalBus{
		topics:      make(map[string]*topicLog),
		maxPerTopic: maxPerTopic,
		logger:      log.Named("eventbus-local"),
	}
}

// Publish appends the event to the topic log, evicting the oldest entry once
// the topic exceeds its cap.
func (b *LocalBus) Publish(ctx context.Context, topic string, evt *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		metrics.BusPublishTotal.WithLabelValues("local", "error").Inc()
		return ErrClosed
	}

	tl, ok := b.topics[topic]
	if !ok {
		tl = &topicLog{}
		b.topics[topic] = tl
	}

	entry := storedEvent{evt: evt, seq: tl.nextSeq}
	tl.nextSeq++

	// Insert keeping (timestamp, seq) order. Events almost always arrive in
	// timestamp order, so the scan from the tail is O(1) amortized.
	idx := len(tl.entries)
	for idx > 0 {
		prev := tl.entries[idx-1]
		if prev.evt.Timestamp.Before(entry.evt.Timestamp) ||
			(prev.evt.Timestamp.Equal(entry.evt.Timestamp) && prev.seq < entry.seq) {
			break
		}
		idx--
	}
	tl.entries = append(tl.entries, storedEvent{})
	copy(tl.entries[idx+1:], tl.entries[idx:])
	tl.entries[idx] = entry

	if len(tl.entries) > b.maxPerTopic {
		tl.entries = tl.entries[1:]
	}

	metrics.BusPublishTotal.WithLabelValues("local", "ok").Inc()
	return nil
}

// Subscribe is accepted and ignored: live delivery is the pub/sub broker's
// concern, the local log only serves replay.
func (b *LocalBus) Subscribe(topic string, handler Handler) error {
	return nil
}

// Replay returns the newest matching events in timestamp order, at most
// opts.Limit of them.
func (b *LocalBus) Replay(ctx context.Context, topic string, opts ReplayOptions) ([]*Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}

	tl, ok := b.topics[topic]
	if !ok {
		return []*Event{}, nil
	}

	matched := make([]*Event, 0, len(tl.entries))
	for _, entry := range tl.entries {
		if matchesReplay(entry.evt, opts) {
			matched = append(matched, entry.evt)
		}
	}

	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[len(matched)-opts.Limit:]
	}

	out := make([]*Event, len(matched))
	copy(out, matched)
	return out, nil
}

// TopicDepth returns the number of retained events for a topic.
func (b *LocalBus) TopicDepth(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if tl, ok := b.topics[topic]; ok {
		return len(tl.entries)
	}
	return 0
}

// Close drops all topic logs.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string]*topicLog)
	b.closed = true
	return nil
}

var _ Bus = (*LocalBus)(nil)
