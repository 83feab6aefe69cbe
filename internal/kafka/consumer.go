package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zammer/payout-engine/internal/model"
	"github.com/zammer/payout-engine/internal/service"
)

// PayoutOwedEvent represents the upstream signal that a beneficiary is
// now owed money, emitted on order or delivery completion.
type PayoutOwedEvent struct {
	ReferenceID     string `json:"referenceId"`
	BeneficiaryID   string `json:"beneficiaryId"`
	BeneficiaryType string `json:"beneficiaryType"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Reason          string `json:"reason"`
}

// Consumer consumes payout.owed events and creates pending payout records
type Consumer struct {
	reader *kafka.Reader
	intake *service.Intake
	logger *zap.Logger
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers string, topic string, groupID string, intake *service.Intake, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{brokers},
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{
		reader: reader,
		intake: intake,
		logger: logger,
	}
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting Kafka consumer")

	for {
		select {
		case <-ctx.Done():
			return c.reader.Close()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("Failed to read message", zap.Error(err))
				continue
			}

			if err := c.handleMessage(ctx, msg); err != nil {
				c.logger.Error("Failed to handle message",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) error {
	var event PayoutOwedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}

	amount, err := decimal.NewFromString(event.Amount)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", event.Amount, err)
	}

	c.logger.Info("Received payout.owed event",
		zap.String("referenceId", event.ReferenceID),
		zap.String("beneficiaryId", event.BeneficiaryID),
		zap.String("amount", event.Amount),
	)

	_, err = c.intake.RecordOwed(ctx, &service.OwedRequest{
		BeneficiaryID:   event.BeneficiaryID,
		BeneficiaryType: parseBeneficiaryType(event.BeneficiaryType),
		Amount:          amount,
		Currency:        event.Currency,
		Reason:          event.Reason,
		ReferenceID:     event.ReferenceID,
	})
	if err != nil {
		return fmt.Errorf("record owed payout: %w", err)
	}

	return nil
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func parseBeneficiaryType(s string) model.BeneficiaryType {
	switch s {
	case "SELLER":
		return model.BeneficiaryTypeSeller
	case "DELIVERY_AGENT":
		return model.BeneficiaryTypeDeliveryAgent
	default:
		return model.BeneficiaryTypeDeliveryAgent
	}
}
