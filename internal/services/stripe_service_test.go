package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"table-reservations/internal/config"
	"table-reservations/internal/logger"
	"table-reservations/internal/models"
)

type mockIntents struct {
	mock.Mock
}

func (m *mockIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	args := m.Called(id)
	if pi, ok := args.Get(0).(*stripe.PaymentIntent); ok {
		return pi, args.Error(1)
	}
	return nil, args.Error(1)
}

const testWebhookSecret = "whsec_test"

func TestStripeService_Receipt(t *testing.T) {
	intents := new(mockIntents)
	intents.On("Get", "pi_ok").Return(&stripe.PaymentIntent{
		ID:             "pi_ok",
		Status:         stripe.PaymentIntentStatusSucceeded,
		Amount:         4500,
		AmountReceived: 4500,
		Metadata:       map[string]string{BookingMetadataKey: "b-1"},
	}, nil)
	intents.On("Get", "pi_pending").Return(&stripe.PaymentIntent{
		ID:     "pi_pending",
		Status: stripe.PaymentIntentStatusProcessing,
		Amount: 4500,
	}, nil)
	intents.On("Get", "pi_missing").Return(nil, errors.New("No such payment_intent"))

	s := newStripeService(intents, testWebhookSecret, logger.Nop())
	ctx := context.Background()

	receipt, err := s.Receipt(ctx, "pi_ok")
	require.NoError(t, err)
	assert.Equal(t, &models.PaymentReceipt{BookingID: "b-1", Reference: "pi_ok", Amount: 4500, Source: "stripe"}, receipt)

	_, err = s.Receipt(ctx, "pi_pending")
	assert.Error(t, err)

	_, err = s.Receipt(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrStripeAPIError)

	intents.AssertExpectations(t)
}

func TestNewStripeService_RequiresKey(t *testing.T) {
	_, err := NewStripeService(config.StripeConfig{}, logger.Nop())
	assert.ErrorIs(t, err, ErrStripeClientInitFailed)
}

func signedWebhook(t *testing.T, payload string) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Header, signed.Payload
}

func TestStripeService_ParseWebhook(t *testing.T) {
	s := newStripeService(new(mockIntents), testWebhookSecret, logger.Nop())

	t.Run("succeeded intent", func(t *testing.T) {
		header, body := signedWebhook(t, `{
			"id": "evt_1", "object": "event", "type": "payment_intent.succeeded",
			"data": {"object": {"id": "pi_1", "object": "payment_intent", "status": "succeeded",
				"amount": 4500, "amount_received": 4500, "metadata": {"booking_id": "b-1"}}}
		}`)
		receipt, err := s.ParseWebhook(body, header)
		require.NoError(t, err)
		require.NotNil(t, receipt)
		assert.Equal(t, "b-1", receipt.BookingID)
		assert.Equal(t, "pi_1", receipt.Reference)
		assert.Equal(t, models.Money(4500), receipt.Amount)
		assert.Equal(t, "stripe_webhook", receipt.Source)
	})

	t.Run("other event", func(t *testing.T) {
		header, body := signedWebhook(t, `{"id": "evt_2", "object": "event", "type": "charge.refunded", "data": {"object": {}}}`)
		receipt, err := s.ParseWebhook(body, header)
		require.NoError(t, err)
		assert.Nil(t, receipt)
	})

	t.Run("missing booking metadata", func(t *testing.T) {
		header, body := signedWebhook(t, `{"id": "evt_3", "object": "event", "type": "payment_intent.succeeded",
			"data": {"object": {"id": "pi_3", "object": "payment_intent", "status": "succeeded", "amount": 100}}}`)
		_, err := s.ParseWebhook(body, header)
		assert.Error(t, err)
	})

	t.Run("bad signature", func(t *testing.T) {
		_, err := s.ParseWebhook([]byte(`{"id":"evt_4"}`), "t=1,v1=deadbeef")
		assert.ErrorIs(t, err, ErrWebhookSignature)
	})
}
