package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"table-reservations/internal/logger"
	"table-reservations/internal/models"
)

const (
	TopicBookingCreated   = "booking-created"
	TopicBookingConfirmed = "booking-confirmed"
	TopicBookingCancelled = "booking-cancelled"
	TopicBookingCompleted = "booking-completed"
	TopicBookingEvents    = "booking-events"
)

// Producer publishes booking lifecycle events. In mock mode it only logs.
type Producer struct {
	producer sarama.SyncProducer
	mockMode bool
	log      *logger.Logger
}

func NewProducer(brokers []string, mockMode bool, log *logger.Logger) (*Producer, error) {
	if mockMode {
		log.LogKafka("MOCK_MODE", "producer", "Running in mock mode - no actual Kafka connection")
		return &Producer{mockMode: true, log: log}, nil
	}

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	log.LogKafka("CONNECTED", "producer", fmt.Sprintf("Connected to Kafka brokers: %v", brokers))
	return NewProducerWithClient(producer, log), nil
}

// NewProducerWithClient wraps an existing sync producer.
func NewProducerWithClient(producer sarama.SyncProducer, log *logger.Logger) *Producer {
	return &Producer{producer: producer, log: log}
}

func (p *Producer) PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := TopicForEvent(event.Type)

	if p.mockMode {
		p.log.LogKafka("MOCK_PUBLISH", topic, fmt.Sprintf("Mock publishing event: %s for booking: %s", event.Type, event.BookingID))
		p.log.LogKafka("MOCK_DATA", topic, string(data))
		return nil
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.BookingID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.log.Error("KAFKA", fmt.Sprintf("Failed to send message to topic %s: %v", topic, err))
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.log.LogKafka("PUBLISHED", topic, fmt.Sprintf("Message sent to partition %d at offset %d for booking %s", partition, offset, event.BookingID))
	return nil
}

// TopicForEvent routes an event type to its topic. No-show events go to the
// catch-all topic.
func TopicForEvent(t models.EventType) string {
	switch t {
	case models.EventBookingCreated:
		return TopicBookingCreated
	case models.EventBookingConfirmed:
		return TopicBookingConfirmed
	case models.EventBookingCancelled:
		return TopicBookingCancelled
	case models.EventBookingCompleted:
		return TopicBookingCompleted
	default:
		return TopicBookingEvents
	}
}

func (p *Producer) Close() error {
	if p.mockMode {
		p.log.LogKafka("MOCK_CLOSE", "producer", "Mock producer closed")
		return nil
	}

	if p.producer != nil {
		p.log.LogKafka("CLOSING", "producer", "Closing Kafka producer connection")
		return p.producer.Close()
	}
	return nil
}
