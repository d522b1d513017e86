package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/tidwall/gjson"

	"table-reservations/internal/logger"
	"table-reservations/internal/models"
)

// PaymentConfirmer is the booking operation a captured payment triggers.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, bookingID string, receipt *models.PaymentReceipt) error
}

// ConfirmerFunc adapts a function to PaymentConfirmer.
type ConfirmerFunc func(ctx context.Context, bookingID string, receipt *models.PaymentReceipt) error

func (f ConfirmerFunc) ConfirmPayment(ctx context.Context, bookingID string, receipt *models.PaymentReceipt) error {
	return f(ctx, bookingID, receipt)
}

var errNotPaymentSuccess = errors.New("not a successful payment")

// Consumer reads the payment gateway's success events and confirms the
// bookings they pay for.
type Consumer struct {
	consumer sarama.ConsumerGroup
	topics   []string
	log      *logger.Logger
}

func NewConsumer(brokers []string, groupID string, topics []string, log *logger.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	consumer, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	log.LogKafka("CONNECTED", "consumer", fmt.Sprintf("Joined group %s for topics %v", groupID, topics))
	return &Consumer{consumer: consumer, topics: topics, log: log}, nil
}

// ConsumePayments blocks until ctx is cancelled or the group fails.
func (c *Consumer) ConsumePayments(ctx context.Context, confirmer PaymentConfirmer) error {
	handler := NewPaymentHandler(confirmer, c.log)

	for {
		if err := c.consumer.Consume(ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Error("KAFKA", fmt.Sprintf("Error consuming messages: %v", err))
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	c.log.LogKafka("CLOSING", "consumer", "Closing Kafka consumer group")
	return c.consumer.Close()
}

// PaymentHandler is the sarama.ConsumerGroupHandler for payment topics.
type PaymentHandler struct {
	confirmer PaymentConfirmer
	log       *logger.Logger
}

func NewPaymentHandler(confirmer PaymentConfirmer, log *logger.Logger) *PaymentHandler {
	return &PaymentHandler{confirmer: confirmer, log: log}
}

func (h *PaymentHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *PaymentHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *PaymentHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		h.Handle(session.Context(), message)
		session.MarkMessage(message, "")
	}
	return nil
}

// Handle processes one message. Malformed and unrelated messages are logged
// and skipped; a failed confirmation is logged and not retried, since the
// payment gateway re-emits unsettled payments.
func (h *PaymentHandler) Handle(ctx context.Context, message *sarama.ConsumerMessage) {
	bookingID, receipt, err := ParsePaymentEvent(message.Value)
	if err != nil {
		if errors.Is(err, errNotPaymentSuccess) {
			h.log.LogKafka("SKIP", message.Topic, fmt.Sprintf("Ignoring message at offset %d: %v", message.Offset, err))
			return
		}
		h.log.Error("KAFKA", fmt.Sprintf("Failed to parse message at offset %d on %s: %v", message.Offset, message.Topic, err))
		return
	}

	h.log.LogKafka("RECEIVED", message.Topic, fmt.Sprintf("Payment %s for booking %s", receipt.Reference, bookingID))
	if err := h.confirmer.ConfirmPayment(ctx, bookingID, receipt); err != nil {
		h.log.Error("KAFKA", fmt.Sprintf("Failed to confirm booking %s with payment %s: %v", bookingID, receipt.Reference, err))
		return
	}
	h.log.LogKafka("PROCESSED", message.Topic, fmt.Sprintf("Booking %s paid by %s", bookingID, receipt.Reference))
}

// ParsePaymentEvent extracts the booking id and receipt from a payment
// gateway event:
//
//	{"type":"payment.success","payment_id":"...","payment":{"order_id":"...","price":45.0,"status":"success"}}
//
// A top-level booking_id takes precedence over payment.order_id.
func ParsePaymentEvent(value []byte) (string, *models.PaymentReceipt, error) {
	if !gjson.ValidBytes(value) {
		return "", nil, errors.New("invalid json body")
	}
	doc := gjson.ParseBytes(value)

	eventType := doc.Get("type").String()
	status := doc.Get("payment.status").String()
	if eventType != "payment.success" && status != "success" {
		return "", nil, fmt.Errorf("%w: type %q status %q", errNotPaymentSuccess, eventType, status)
	}

	bookingID := doc.Get("booking_id").String()
	if bookingID == "" {
		bookingID = doc.Get("payment.order_id").String()
	}
	if bookingID == "" {
		return "", nil, errors.New("missing booking id")
	}

	ref := doc.Get("payment.payment_id").String()
	if ref == "" {
		ref = doc.Get("payment_id").String()
	}
	if ref == "" {
		return "", nil, errors.New("missing payment id")
	}

	price := doc.Get("payment.price")
	if !price.Exists() {
		return "", nil, errors.New("missing payment price")
	}
	amount, err := models.ParseMoney(price.String())
	if err != nil {
		return "", nil, fmt.Errorf("invalid payment price %s: %w", price.String(), err)
	}

	return bookingID, &models.PaymentReceipt{
		BookingID: bookingID,
		Reference: ref,
		Amount:    amount,
		Source:    "kafka",
	}, nil
}
