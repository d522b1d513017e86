package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"table-reservations/internal/logger"
	"table-reservations/internal/models"
)

func TestParsePaymentEvent(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		bookingID string
		ref       string
		amount    models.Money
		wantErr   bool
	}{
		{
			name:      "gateway event",
			payload:   `{"type":"payment.success","payment_id":"pay-1","payment":{"payment_id":"pay-1","order_id":"b-1","status":"success","price":45.5}}`,
			bookingID: "b-1",
			ref:       "pay-1",
			amount:    4550,
		},
		{
			name:      "booking_id overrides order_id",
			payload:   `{"type":"payment.success","booking_id":"b-2","payment":{"payment_id":"pay-2","order_id":"order-9","price":"12.00"}}`,
			bookingID: "b-2",
			ref:       "pay-2",
			amount:    1200,
		},
		{
			name:      "status success without type",
			payload:   `{"payment_id":"pay-3","payment":{"order_id":"b-3","status":"success","price":20}}`,
			bookingID: "b-3",
			ref:       "pay-3",
			amount:    2000,
		},
		{name: "failed payment", payload: `{"type":"payment.failed","payment":{"order_id":"b-1","status":"failed","price":1}}`, wantErr: true},
		{name: "invalid json", payload: `{"type":`, wantErr: true},
		{name: "no booking", payload: `{"type":"payment.success","payment":{"payment_id":"p","price":1}}`, wantErr: true},
		{name: "no payment id", payload: `{"type":"payment.success","payment":{"order_id":"b","price":1}}`, wantErr: true},
		{name: "no price", payload: `{"type":"payment.success","payment":{"order_id":"b","payment_id":"p"}}`, wantErr: true},
		{name: "bad price", payload: `{"type":"payment.success","payment":{"order_id":"b","payment_id":"p","price":"abc"}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bookingID, receipt, err := ParsePaymentEvent([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bookingID, bookingID)
			assert.Equal(t, tt.ref, receipt.Reference)
			assert.Equal(t, tt.amount, receipt.Amount)
			assert.Equal(t, "kafka", receipt.Source)
		})
	}
}

type mockConfirmer struct {
	mock.Mock
}

func (m *mockConfirmer) ConfirmPayment(ctx context.Context, bookingID string, receipt *models.PaymentReceipt) error {
	return m.Called(bookingID, receipt.Reference, receipt.Amount).Error(0)
}

func TestPaymentHandler_ConsumeClaim(t *testing.T) {
	confirmer := new(mockConfirmer)
	confirmer.On("ConfirmPayment", "b-1", "pay-1", models.Money(4500)).Return(nil).Once()
	confirmer.On("ConfirmPayment", "b-2", "pay-2", models.Money(1000)).Return(errors.New("booking not found")).Once()

	messages := []*sarama.ConsumerMessage{
		{Topic: "payment-success", Offset: 0, Value: []byte(`{"type":"payment.success","payment":{"payment_id":"pay-1","order_id":"b-1","price":45}}`)},
		{Topic: "payment-success", Offset: 1, Value: []byte(`not json`)},
		{Topic: "payment-success", Offset: 2, Value: []byte(`{"type":"payment.refunded","payment":{"payment_id":"pay-9","order_id":"b-1","price":45}}`)},
		{Topic: "payment-success", Offset: 3, Value: []byte(`{"type":"payment.success","payment":{"payment_id":"pay-2","order_id":"b-2","price":10}}`)},
	}
	msgChan := make(chan *sarama.ConsumerMessage, len(messages))
	for _, m := range messages {
		msgChan <- m
	}
	close(msgChan)

	session := &MockConsumerGroupSession{}
	session.On("Context").Return(context.Background())
	session.On("MarkMessage", mock.Anything, "").Return()

	claim := &MockConsumerGroupClaim{}
	claim.On("Messages").Return(msgChan)

	handler := NewPaymentHandler(confirmer, logger.Nop())
	require.NoError(t, handler.Setup(session))
	require.NoError(t, handler.ConsumeClaim(session, claim))
	require.NoError(t, handler.Cleanup(session))

	confirmer.AssertExpectations(t)
	session.AssertNumberOfCalls(t, "MarkMessage", len(messages))
	claim.AssertExpectations(t)
}

func TestConfirmerFunc(t *testing.T) {
	var got string
	f := ConfirmerFunc(func(_ context.Context, bookingID string, _ *models.PaymentReceipt) error {
		got = bookingID
		return nil
	})
	require.NoError(t, f.ConfirmPayment(context.Background(), "b-7", &models.PaymentReceipt{}))
	assert.Equal(t, "b-7", got)
}

// Mock implementations for Sarama interfaces
type MockConsumerGroupSession struct {
	mock.Mock
}

func (m *MockConsumerGroupSession) Claims() map[string][]int32 {
	args := m.Called()
	return args.Get(0).(map[string][]int32)
}

func (m *MockConsumerGroupSession) MemberID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockConsumerGroupSession) GenerationID() int32 {
	args := m.Called()
	return int32(args.Int(0))
}

func (m *MockConsumerGroupSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {
	m.Called(topic, partition, offset, metadata)
}

func (m *MockConsumerGroupSession) Commit() {
	m.Called()
}

func (m *MockConsumerGroupSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {
	m.Called(topic, partition, offset, metadata)
}

func (m *MockConsumerGroupSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	m.Called(msg, metadata)
}

func (m *MockConsumerGroupSession) Context() context.Context {
	args := m.Called()
	return args.Get(0).(context.Context)
}

type MockConsumerGroupClaim struct {
	mock.Mock
}

func (m *MockConsumerGroupClaim) Topic() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockConsumerGroupClaim) Partition() int32 {
	args := m.Called()
	return int32(args.Int(0))
}

func (m *MockConsumerGroupClaim) InitialOffset() int64 {
	args := m.Called()
	return int64(args.Int(0))
}

func (m *MockConsumerGroupClaim) HighWaterMarkOffset() int64 {
	args := m.Called()
	return int64(args.Int(0))
}

func (m *MockConsumerGroupClaim) Messages() <-chan *sarama.ConsumerMessage {
	args := m.Called()
	return args.Get(0).(chan *sarama.ConsumerMessage)
}
