package pubsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/config"
	"github.com/ringforge/ringforge/internal/common/logger"
)

// bridgeSubject carries every replica-to-replica delivery. The envelope names
// the logical topic; topic strings contain characters NATS subjects cannot.
const bridgeSubject = "ringforge.pubsub"

// bridgeEnvelope is the wire form of a mirrored delivery.
type bridgeEnvelope struct {
	Origin string `json:"origin"`
	Topic  string `json:"topic"`
	Data   []byte `json:"data"`
}

// Bridge mirrors local broker traffic to sibling hub replicas over NATS so
// agents connected to different replicas share one logical topic space.
type Bridge struct {
	broker   *Broker
	conn     *nats.Conn
	sub      *nats.Subscription
	instance string
	logger   *logger.Logger
}

// NewBridge connects to NATS and wires the broker's forwarder. Deliveries
// originating on this instance are ignored on receipt.
func NewBridge(broker *Broker, cfg config.NATSConfig, log *logger.Logger) (*Bridge, error) {
	b := &Bridge{
		broker:   broker,
		instance: uuid.New().String(),
		logger:   log.Named("pubsub-bridge"),
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				b.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				b.logger.Error("NATS connection closed", zap.Error(err))
			} else {
				b.logger.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			b.logger.Error("NATS error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(bridgeSubject, b.handleRemote)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", bridgeSubject, err)
	}
	b.sub = sub

	broker.SetForwarder(b.forward)
	b.logger.Info("pub/sub bridge connected",
		zap.String("url", cfg.URL),
		zap.String("instance", b.instance))
	return b, nil
}

func (b *Bridge) forward(topic string, data []byte) {
	env := bridgeEnvelope{Origin: b.instance, Topic: topic, Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("failed to marshal bridge envelope", zap.Error(err))
		return
	}
	if err := b.conn.Publish(bridgeSubject, payload); err != nil {
		b.logger.Warn("failed to forward delivery",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

func (b *Bridge) handleRemote(msg *nats.Msg) {
	var env bridgeEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn("dropping malformed bridge envelope", zap.Error(err))
		return
	}
	if env.Origin == b.instance {
		return
	}
	b.broker.Inject(env.Topic, env.Data)
}

// Close drains the subscription and disconnects.
func (b *Bridge) Close() {
	b.broker.SetForwarder(nil)
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
}
