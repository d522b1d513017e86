package models

import (
	"time"
)

type EventType string

const (
	EventBookingCreated   EventType = "booking.created"
	EventBookingConfirmed EventType = "booking.confirmed"
	EventBookingCancelled EventType = "booking.cancelled"
	EventBookingCompleted EventType = "booking.completed"
	EventBookingNoShow    EventType = "booking.no_show"
)

// EventForStatus maps the status a booking moved into to the event announcing it.
func EventForStatus(s Status) EventType {
	switch s {
	case StatusConfirmed:
		return EventBookingConfirmed
	case StatusCancelled:
		return EventBookingCancelled
	case StatusCompleted:
		return EventBookingCompleted
	case StatusNoShow:
		return EventBookingNoShow
	default:
		return EventBookingCreated
	}
}

type BookingEvent struct {
	Type       EventType `json:"type"`
	BookingID  string    `json:"booking_id"`
	Reference  string    `json:"booking_reference"`
	ResourceID string    `json:"resource_id"`
	Status     Status    `json:"status"`
	Booking    *Booking  `json:"booking"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewBookingEvent(t EventType, b *Booking, at time.Time) *BookingEvent {
	return &BookingEvent{
		Type:       t,
		BookingID:  b.ID,
		Reference:  b.Reference,
		ResourceID: b.ResourceID,
		Status:     b.Status,
		Booking:    b.Clone(),
		Timestamp:  at,
	}
}

// PaymentReceipt is proof of a captured payment, from the payment gateway's
// event stream, a Stripe webhook or a verified payment intent.
type PaymentReceipt struct {
	BookingID string `json:"booking_id,omitempty"`
	Reference string `json:"payment_ref"`
	Amount    Money  `json:"amount"`
	Source    string `json:"source"`
}
