package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/ramiqadoumi/go-job-orchestrator/internal/protocol"
)

const (
	// DefaultTopicPrefix namespaces every orchestrator topic.
	DefaultTopicPrefix = "orchestrator"
	headerMessageType  = "message-type"
)

// Topics names the coordinator inbox and the per-worker push topics.
type Topics struct {
	Prefix string
}

// Coordinator is the topic every worker publishes heartbeats and status to.
func (t Topics) Coordinator() string { return t.prefix() + ".coordinator" }

// Worker is the push topic for one worker.
func (t Topics) Worker(workerID string) string { return t.prefix() + ".worker." + workerID }

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// Channel carries protocol messages between the coordinator and workers.
type Channel struct {
	producer Producer
	topics   Topics
	brokers  []string
	logger   *slog.Logger
	dial     func(ctx context.Context, network, address string) (*kafka.Conn, error)
}

// NewChannel wraps producer. brokers are only used by Probe and EnsureTopics.
func NewChannel(producer Producer, brokers []string, topics Topics, logger *slog.Logger) *Channel {
	return &Channel{
		producer: producer,
		topics:   topics,
		brokers:  brokers,
		logger:   logger,
		dial:     kafka.DialContext,
	}
}

// Topics returns the channel's topic naming.
func (c *Channel) Topics() Topics { return c.topics }

// SendToWorker pushes m to workerID's topic.
func (c *Channel) SendToWorker(ctx context.Context, workerID string, m protocol.Message) error {
	return c.send(ctx, c.topics.Worker(workerID), workerID, m)
}

// SendToCoordinator publishes m on the coordinator inbox, keyed by workerID
// so one worker's messages stay ordered.
func (c *Channel) SendToCoordinator(ctx context.Context, workerID string, m protocol.Message) error {
	return c.send(ctx, c.topics.Coordinator(), workerID, m)
}

func (c *Channel) send(ctx context.Context, topic, key string, m protocol.Message) error {
	raw, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.producer.Publish(ctx, topic, key, raw, kafka.Header{
		Key:   headerMessageType,
		Value: []byte(m.MessageType()),
	})
}

// Listen feeds every message from consumer into router until ctx is done.
// Malformed messages are logged and committed; redelivering them cannot help.
func (c *Channel) Listen(ctx context.Context, consumer Consumer, router *protocol.Router) error {
	return consumer.Subscribe(ctx, func(ctx context.Context, msg Message) error {
		err := router.Dispatch(ctx, msg.Value)
		var invalid *protocol.InvalidMessageError
		if errors.As(err, &invalid) {
			c.logger.Warn("dropping malformed message",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return err
	})
}

// Name identifies the broker endpoint for connection management.
func (c *Channel) Name() string { return "kafka" }

// Probe dials each broker in turn and succeeds on the first reachable one.
func (c *Channel) Probe(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	var errs []error
	for _, addr := range c.brokers {
		conn, err := c.dial(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, err = conn.Brokers()
		conn.Close() //nolint:errcheck
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("kafka unreachable: %w", errors.Join(errs...))
}

// EnsureTopics creates topics that do not exist yet. Auto-creation on first
// publish races the first consumer, so services create their topics up front.
func (c *Channel) EnsureTopics(ctx context.Context, partitions int, topics ...string) error {
	if len(c.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := c.dial(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial: %w", err)
	}
	defer conn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             t,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		})
	}
	if err := conn.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topics: %w", err)
	}
	return nil
}
