package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/assettrack/audit-ledger/internal/config"
	"github.com/assettrack/audit-ledger/internal/domain"
	"github.com/assettrack/audit-ledger/internal/ledger"
)

// Consumer ingests audit payloads published by the business services and
// appends them to the ledger. Producers are trusted to have authorized the
// events they emit; the consumer only validates shape.
type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	ledger        *ledger.Ledger
	topics        []string
	logger        *zap.Logger
}

// NewConsumer creates the Kafka consumer group for the audit topics.
func NewConsumer(cfg config.KafkaConfig, lg *ledger.Ledger, logger *zap.Logger) (*Consumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Version = sarama.V2_8_0_0

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &Consumer{
		consumerGroup: consumerGroup,
		ledger:        lg,
		topics:        []string{cfg.AuditTopic, cfg.UserTopic, cfg.AssetTopic},
		logger:        logger,
	}, nil
}

// Start runs the consume loop until ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	handler := &consumerHandler{
		ledger: c.ledger,
		logger: c.logger,
	}

	for {
		if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
			if ctx.Err() != nil {
				return nil // context canceled
			}
			c.logger.Error("error from consumer", zap.Error(err))
			time.Sleep(5 * time.Second) // retry backoff
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumerGroup.Close()
}

type consumerHandler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

func (h *consumerHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		h.processMessage(session.Context(), message)
		session.MarkMessage(message, "")
	}
	return nil
}

func (h *consumerHandler) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	var ev domain.AuditEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		h.logger.Error("failed to unmarshal audit payload",
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
		return // skip malformed
	}

	// Ids, hash and retention are assigned by the ledger; producers only
	// supply the business fields.
	ev.Hash = ""
	ev.PreviousHash = ""
	ev.Signature = ""
	ev.Seq = 0

	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err := h.ledger.Append(ctx, &ev)
		if err == nil {
			return
		}
		if domain.IsTerminal(err) {
			h.logger.Error("dropping unprocessable audit payload",
				zap.String("topic", msg.Topic),
				zap.Error(err),
			)
			return
		}
		h.logger.Error("failed to append audit event",
			zap.String("topic", msg.Topic),
			zap.Error(err),
			zap.Int("retry", i+1),
		)
		if i < maxRetries-1 {
			time.Sleep(time.Duration(i+1) * time.Second) // simple backoff
		}
	}
	h.logger.Error("dropping event after retries", zap.String("event_id", ev.EventID))
}
