package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"table-reservations/internal/config"
	"table-reservations/internal/logger"
	"table-reservations/internal/models"
)

var (
	ErrStripeAPIError         = errors.New("stripe API error")
	ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")
	ErrWebhookSignature       = errors.New("invalid webhook signature")
)

// BookingMetadataKey is the payment intent metadata entry naming the booking.
const BookingMetadataKey = "booking_id"

type paymentIntentGetter interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeService verifies payments captured through Stripe. It implements
// PaymentVerifier.
type StripeService struct {
	intents       paymentIntentGetter
	webhookSecret string
	log           *logger.Logger
}

func NewStripeService(cfg config.StripeConfig, log *logger.Logger) (*StripeService, error) {
	if cfg.SecretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY environment variable not set")
		return nil, ErrStripeClientInitFailed
	}

	sc := client.New(cfg.SecretKey, nil)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return newStripeService(sc.PaymentIntents, cfg.WebhookSecret, log), nil
}

func newStripeService(intents paymentIntentGetter, webhookSecret string, log *logger.Logger) *StripeService {
	return &StripeService{intents: intents, webhookSecret: webhookSecret, log: log}
}

// Receipt fetches a payment intent and returns a receipt if it succeeded.
func (s *StripeService) Receipt(ctx context.Context, intentID string) (*models.PaymentReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.log.Info("STRIPE", fmt.Sprintf("Retrieving payment intent %s", intentID))

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.intents.Get(intentID, params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to retrieve payment intent: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}
	return s.receiptFromIntent(pi, "stripe")
}

func (s *StripeService) receiptFromIntent(pi *stripe.PaymentIntent, source string) (*models.PaymentReceipt, error) {
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		s.log.Warn("STRIPE", fmt.Sprintf("Payment intent %s has status %s", pi.ID, pi.Status))
		return nil, fmt.Errorf("payment intent %s is %s", pi.ID, pi.Status)
	}

	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	return &models.PaymentReceipt{
		BookingID: pi.Metadata[BookingMetadataKey],
		Reference: pi.ID,
		Amount:    models.Money(amount),
		Source:    source,
	}, nil
}

// ParseWebhook verifies a webhook delivery and extracts the receipt of a
// succeeded payment intent. Other event types yield a nil receipt.
func (s *StripeService) ParseWebhook(payload []byte, signature string) (*models.PaymentReceipt, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.log.LogSecurity("STRIPE_WEBHOOK", fmt.Sprintf("Rejected webhook: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}

	if event.Type != stripe.EventTypePaymentIntentSucceeded {
		s.log.Debug("STRIPE", fmt.Sprintf("Ignoring webhook event %s", event.Type))
		return nil, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	receipt, err := s.receiptFromIntent(&pi, "stripe_webhook")
	if err != nil {
		return nil, err
	}
	if receipt.BookingID == "" {
		return nil, fmt.Errorf("payment intent %s has no %s metadata", pi.ID, BookingMetadataKey)
	}
	return receipt, nil
}
