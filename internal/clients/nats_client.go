package clients

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"rollup-sequencer/internal/config"
	"rollup-sequencer/internal/metrics"
	"rollup-sequencer/internal/types"
)

// NATSClient NATS client for block events and settlement notifications
type NATSClient struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	blocksSubject  string
	settledSubject string
	subs           []*nats.Subscription
}

// NewNATSClient Create NATS client
func NewNATSClient(cfg config.NATSConfig) (*NATSClient, error) {
	connectTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	reconnectWait := 5 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}
	log.Printf("🔌 Connecting to NATS %s (timeout %v)", cfg.URL, connectTimeout)

	conn, err := nats.Connect(cfg.URL,
		nats.Name("rollup-sequencer"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("⚠️ [NATS] Disconnected: %v", err)
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("✅ [NATS] Reconnected to %s", nc.ConnectedUrl())
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSClient{
		conn:           conn,
		js:             js,
		blocksSubject:  cfg.BlocksSubject(),
		settledSubject: cfg.SettledSubject(),
	}, nil
}

// SubscribeToBlocks delivers settled rollup blocks to handler in arrival order.
// A handler error leaves the message unacknowledged.
func (c *NATSClient) SubscribeToBlocks(handler func(*types.Block) error) error {
	subject := c.blocksSubject
	return c.subscribe(subject, func(msg *nats.Msg) {
		metrics.NATSMessagesReceived.WithLabelValues(subject).Inc()

		var block types.Block
		if err := json.Unmarshal(msg.Data, &block); err != nil {
			metrics.NATSMessagesFailed.WithLabelValues(subject).Inc()
			log.Printf("❌ [NATS] Failed to parse block event on %s: %v", msg.Subject, err)
			// malformed payloads are never going to parse
			ack(msg)
			return
		}

		log.Printf("📨 [NATS] Block event: rollup=%d tx=%s", block.RollupID, block.TxHash.Hex())
		if err := handler(&block); err != nil {
			metrics.NATSMessagesFailed.WithLabelValues(subject).Inc()
			log.Printf("❌ [NATS] Failed to process rollup %d: %v", block.RollupID, err)
			nak(msg)
			return
		}
		ack(msg)
	})
}

// PublishRollupSettled announces a processed block
func (c *NATSClient) PublishRollupSettled(event *types.RollupSettledEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal settled event: %w", err)
	}

	subject := fmt.Sprintf("%s.%d", c.settledSubject, event.RollupID)
	if _, err := c.js.Publish(subject, data); err != nil {
		// no stream bound to the subject, fall back to core NATS
		if err := c.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("failed to publish settled event: %w", err)
		}
	}
	log.Printf("📤 [NATS] Published %s", subject)
	return nil
}

// subscribe prefers a durable JetStream consumer and falls back to core NATS
func (c *NATSClient) subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := c.js.Subscribe(subject, handler, nats.Durable("rollup-sequencer"), nats.ManualAck(), nats.DeliverAll())
	if err == nil {
		c.subs = append(c.subs, sub)
		log.Printf("✅ [NATS] JetStream subscription: %s", subject)
		return nil
	}

	log.Printf("⚠️ [NATS] JetStream subscription failed, using core NATS: %v", err)
	sub, err = c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	log.Printf("✅ [NATS] Subscription: %s", subject)
	return nil
}

// Close drains subscriptions and closes the connection
func (c *NATSClient) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	metrics.NATSConnectionStatus.Set(0)
}

// ack is a no-op for core NATS messages
func ack(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	if err := msg.Ack(); err != nil {
		log.Printf("⚠️ [NATS] Ack failed: %v", err)
	}
}

func nak(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	if err := msg.Nak(); err != nil {
		log.Printf("⚠️ [NATS] Nak failed: %v", err)
	}
}
