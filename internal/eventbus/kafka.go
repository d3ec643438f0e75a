package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/metrics"
)

// topicPrefix namespaces every physical topic: "{fleet}.{kind}" becomes
// "ringforge.{fleet}.{kind}".
const topicPrefix = "ringforge."

const retryHeader = "rf-retry"

// kindSpec fixes partition count and retention per event kind.
type kindSpec struct {
	partitions  int
	retentionMs int64
	compacted   bool
}

const weekMs = int64(7 * 24 * time.Hour / time.Millisecond)

var kindSpecs = map[string]kindSpec{
	KindActivity:  {partitions: 6, retentionMs: weekMs},
	KindMemory:    {partitions: 3, compacted: true},
	KindTasks:     {partitions: 6, retentionMs: weekMs},
	KindDirect:    {partitions: 3, retentionMs: weekMs},
	KindTelemetry: {partitions: 3, retentionMs: weekMs},
	KindAudit:     {partitions: 3, retentionMs: weekMs},
}

var defaultKindSpec = kindSpec{partitions: 3, retentionMs: weekMs}

// msgWriter is the writer seam; satisfied by *kafka.Writer.
type msgWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// topicCreator is the admin seam; satisfied by *kafka.Client.
type topicCreator interface {
	CreateTopics(ctx context.Context, req *kafka.CreateTopicsRequest) (*kafka.CreateTopicsResponse, error)
	Metadata(ctx context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error)
}

// KafkaConfig configures the streaming backend.
type KafkaConfig struct {
	Brokers        []string
	ClientID       string
	MaxInFlight    int
	PublishTimeout time.Duration
	ReplayTimeout  time.Duration
}

// KafkaBus is the long-haul streaming backend. Publishes are asynchronous
// with a bounded in-flight window; topics are created on first use with
// per-kind partitioning and retention.
type KafkaBus struct {
	cfg    KafkaConfig
	writer msgWriter
	client topicCreator
	logger *logger.Logger

	inflight atomic.Int64

	topicsMu    sync.RWMutex
	knownTopics map[string]bool

	consumersMu sync.Mutex
	consumers   []func() // cancel+close per subscription
	wg          sync.WaitGroup

	closed atomic.Bool
}

// NewKafkaBus creates the streaming bus. The connection is lazy; the first
// publish dials the brokers.
func NewKafkaBus(cfg KafkaConfig, log *logger.Logger) *KafkaBus {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 5000
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.ReplayTimeout <= 0 {
		cfg.ReplayTimeout = 15 * time.Second
	}

	b := &KafkaBus{
		cfg:         cfg,
		logger:      log.Named("eventbus-kafka"),
		knownTopics: make(map[string]bool),
	}

	b.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
		Completion:   b.onCompletion,
	}
	b.client = &kafka.Client{
		Addr:    kafka.TCP(cfg.Brokers...),
		Timeout: cfg.PublishTimeout,
	}
	return b
}

func physicalTopic(logical string) string {
	return topicPrefix + logical
}

func specForTopic(physical string) kindSpec {
	idx := strings.LastIndex(physical, ".")
	if idx < 0 {
		return defaultKindSpec
	}
	if spec, ok := kindSpecs[physical[idx+1:]]; ok {
		return spec
	}
	return defaultKindSpec
}

// Publish enqueues the event for asynchronous delivery. It refuses work past
// the in-flight window and times out against the broker.
func (b *KafkaBus) Publish(ctx context.Context, topic string, evt *Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if b.inflight.Load() >= int64(b.cfg.MaxInFlight) {
		metrics.BusPublishTotal.WithLabelValues("kafka", "backpressure").Inc()
		return ErrBackpressure
	}

	value, err := encodeEvent(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	physical := physicalTopic(topic)
	ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	if err := b.ensureTopic(ctx, physical); err != nil {
		// The write may still succeed against an existing topic; creation
		// problems resurface in the completion path.
		b.logger.Debug("topic ensure failed", zap.String("topic", physical), zap.Error(err))
	}

	msg := kafka.Message{
		Topic: physical,
		Value: value,
		Time:  evt.Timestamp,
	}
	if evt.PartitionKey != "" {
		msg.Key = []byte(evt.PartitionKey)
	}

	b.inflight.Add(1)
	metrics.BusInFlight.Inc()
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		b.inflight.Add(-1)
		metrics.BusInFlight.Dec()
		metrics.BusPublishTotal.WithLabelValues("kafka", "error").Inc()
		return mapKafkaErr(err)
	}
	return nil
}

// onCompletion settles the in-flight window and retries unknown-topic
// failures exactly once after creating the topic.
func (b *KafkaBus) onCompletion(messages []kafka.Message, err error) {
	for _, m := range messages {
		b.inflight.Add(-1)
		metrics.BusInFlight.Dec()

		if err == nil {
			metrics.BusPublishTotal.WithLabelValues("kafka", "ok").Inc()
			continue
		}
		metrics.BusPublishTotal.WithLabelValues("kafka", "error").Inc()

		if errors.Is(err, kafka.UnknownTopicOrPartition) && !hasRetryMarker(m) {
			b.wg.Add(1)
			go func(msg kafka.Message) {
				defer b.wg.Done()
				b.retryOnce(msg)
			}(m)
			continue
		}
		b.logger.Warn("publish failed",
			zap.String("topic", m.Topic),
			zap.Error(err))
	}
}

func hasRetryMarker(m kafka.Message) bool {
	for _, h := range m.Headers {
		if h.Key == retryHeader {
			return true
		}
	}
	return false
}

func (b *KafkaBus) retryOnce(m kafka.Message) {
	if b.closed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PublishTimeout)
	defer cancel()

	b.forgetTopic(m.Topic)
	if err := b.ensureTopic(ctx, m.Topic); err != nil {
		b.logger.Warn("topic create for retry failed",
			zap.String("topic", m.Topic),
			zap.Error(err))
		return
	}

	m.Headers = append(m.Headers, kafka.Header{Key: retryHeader, Value: []byte("1")})
	b.inflight.Add(1)
	metrics.BusInFlight.Inc()
	if err := b.writer.WriteMessages(ctx, m); err != nil {
		b.inflight.Add(-1)
		metrics.BusInFlight.Dec()
		b.logger.Warn("publish retry failed",
			zap.String("topic", m.Topic),
			zap.Error(err))
	}
}

func (b *KafkaBus) forgetTopic(physical string) {
	b.topicsMu.Lock()
	delete(b.knownTopics, physical)
	b.topicsMu.Unlock()
}

// ensureTopic creates the physical topic with its kind's partitioning and
// retention. Results are cached; TopicAlreadyExists is success.
func (b *KafkaBus) ensureTopic(ctx context.Context, physical string) error {
	b.topicsMu.RLock()
	known := b.knownTopics[physical]
	b.topicsMu.RUnlock()
	if known {
		return nil
	}

	spec := specForTopic(physical)
	entries := []kafka.ConfigEntry{}
	if spec.compacted {
		entries = append(entries, kafka.ConfigEntry{
			ConfigName:  "cleanup.policy",
			ConfigValue: "compact",
		})
	} else if spec.retentionMs > 0 {
		entries = append(entries, kafka.ConfigEntry{
			ConfigName:  "retention.ms",
			ConfigValue: fmt.Sprintf("%d", spec.retentionMs),
		})
	}

	resp, err := b.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             physical,
			NumPartitions:     spec.partitions,
			ReplicationFactor: -1,
			ConfigEntries:     entries,
		}},
	})
	if err != nil {
		return err
	}
	if terr := resp.Errors[physical]; terr != nil && !errors.Is(terr, kafka.TopicAlreadyExists) {
		return terr
	}

	b.topicsMu.Lock()
	b.knownTopics[physical] = true
	b.topicsMu.Unlock()
	return nil
}

// Subscribe consumes the topic from its tail in a consumer group named after
// the client id and hands every decoded event to the handler.
func (b *KafkaBus) Subscribe(topic string, handler Handler) error {
	if b.closed.Load() {
		return ErrClosed
	}
	physical := physicalTopic(topic)

	ensureCtx, cancelEnsure := context.WithTimeout(context.Background(), b.cfg.PublishTimeout)
	defer cancelEnsure()
	if err := b.ensureTopic(ensureCtx, physical); err != nil {
		return mapKafkaErr(err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		GroupID:     b.cfg.ClientID + "." + physical,
		Topic:       physical,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})

	ctx, cancel := context.WithCancel(context.Background())
	b.consumersMu.Lock()
	b.consumers = append(b.consumers, func() {
		cancel()
		_ = reader.Close()
	})
	b.consumersMu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				return
			}
			evt, derr := decodeEvent(m.Value)
			if derr != nil {
				b.logger.Warn("dropping undecodable event",
					zap.String("topic", physical),
					zap.Error(derr))
				continue
			}
			handler(ctx, evt)
		}
	}()
	return nil
}

// Replay fetches all partitions in parallel, merges by timestamp, filters,
// and returns at most opts.Limit of the newest matching events.
func (b *KafkaBus) Replay(ctx context.Context, topic string, opts ReplayOptions) ([]*Event, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.ReplayTimeout)
	defer cancel()

	physical := physicalTopic(topic)
	partitions, err := b.partitionIDs(ctx, physical)
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			// Nothing was ever published; create the topic so the next
			// attempt sees it, and report an empty history.
			if cerr := b.ensureTopic(ctx, physical); cerr != nil {
				return nil, mapKafkaErr(cerr)
			}
			return []*Event{}, nil
		}
		return nil, mapKafkaErr(err)
	}

	var mu sync.Mutex
	all := make([]*Event, 0, limit*len(partitions))

	g, gctx := errgroup.WithContext(ctx)
	for _, partition := range partitions {
		partition := partition // per-iteration copy; required under go <1.22 loopvar semantics
		g.Go(func() error {
			events, ferr := b.fetchPartition(gctx, physical, partition, limit, opts.FromTS)
			if ferr != nil {
				return ferr
			}
			mu.Lock()
			all = append(all, events...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, mapKafkaErr(err)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	matched := all[:0]
	for _, evt := range all {
		if matchesReplay(evt, opts) {
			matched = append(matched, evt)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]*Event, len(matched))
	copy(out, matched)
	return out, nil
}

// fetchPartition reads the tail of one partition: from the timestamp-resolved
// offset when from is set, otherwise from (latest - limit).
func (b *KafkaBus) fetchPartition(ctx context.Context, physical string, partition, limit int, from time.Time) ([]*Event, error) {
	conn, err := kafka.DialLeader(ctx, "tcp", b.cfg.Brokers[0], physical, partition)
	if err != nil {
		return nil, err
	}
	first, ferr := conn.ReadFirstOffset()
	last, lerr := conn.ReadLastOffset()
	_ = conn.Close()
	if ferr != nil {
		return nil, ferr
	}
	if lerr != nil {
		return nil, lerr
	}
	if last <= first {
		return nil, nil
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   b.cfg.Brokers,
		Topic:     physical,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if !from.IsZero() {
		if err := reader.SetOffsetAt(ctx, from); err != nil {
			return nil, err
		}
	} else {
		start := last - int64(limit)
		if start < first {
			start = first
		}
		if err := reader.SetOffset(start); err != nil {
			return nil, err
		}
	}

	var events []*Event
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			// Compacted partitions can hold fewer records than the offset
			// span suggests; a deadline after partial reads is the tail.
			if len(events) > 0 {
				return events, nil
			}
			return nil, err
		}
		evt, derr := decodeEvent(m.Value)
		if derr == nil {
			events = append(events, evt)
		}
		if m.Offset >= last-1 {
			return events, nil
		}
	}
}

func (b *KafkaBus) partitionIDs(ctx context.Context, physical string) ([]int, error) {
	resp, err := b.client.Metadata(ctx, &kafka.MetadataRequest{
		Topics: []string{physical},
	})
	if err != nil {
		return nil, err
	}
	for _, t := range resp.Topics {
		if t.Name != physical {
			continue
		}
		if t.Error != nil {
			return nil, t.Error
		}
		ids := make([]int, 0, len(t.Partitions))
		for _, p := range t.Partitions {
			ids = append(ids, p.ID)
		}
		sort.Ints(ids)
		return ids, nil
	}
	return nil, kafka.UnknownTopicOrPartition
}

// InFlight returns the number of publishes awaiting acknowledgement.
func (b *KafkaBus) InFlight() int64 {
	return b.inflight.Load()
}

// Close stops consumers, flushes the writer, and disconnects.
func (b *KafkaBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.consumersMu.Lock()
	consumers := b.consumers
	b.consumers = nil
	b.consumersMu.Unlock()
	for _, stop := range consumers {
		stop()
	}

	err := b.writer.Close()
	b.wg.Wait()
	return err
}

func mapKafkaErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

var _ Bus = (*KafkaBus)(nil)
