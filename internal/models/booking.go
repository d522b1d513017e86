package models

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

// ActiveStatuses are the statuses that hold a slot.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow:
		return st, nil
	}
	return "", fmt.Errorf("unknown booking status %q", s)
}

func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// Resource is a bookable table as seen by the reservation core.
type Resource struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Capacity   int    `json:"capacity"`
	HourlyRate Money  `json:"hourly_rate"`
	Active     bool   `json:"active"`
}

// AddOn is a priced catalog entry that can be attached to a booking.
type AddOn struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UnitPrice Money  `json:"unit_price"`
	Active    bool   `json:"active"`
}

// LineItem carries the add-on price as it was when the booking was made.
type LineItem struct {
	AddOnID   string `json:"add_on_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice Money  `json:"unit_price"`
}

type Booking struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"user_id"`
	ResourceID         string        `json:"resource_id"`
	Window             TimeWindow    `json:"window"`
	PartySize          int           `json:"party_size"`
	HourlyRate         Money         `json:"hourly_rate"`
	LineItems          []LineItem    `json:"line_items"`
	TotalAmount        Money         `json:"total_amount"`
	Status             Status        `json:"status"`
	PaymentStatus      PaymentStatus `json:"payment_status"`
	PaymentRef         string        `json:"payment_ref,omitempty"`
	Reference          string        `json:"booking_reference"`
	SpecialRequests    string        `json:"special_requests,omitempty"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so callers never share line items or timestamps.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	if b.LineItems != nil {
		c.LineItems = make([]LineItem, len(b.LineItems))
		copy(c.LineItems, b.LineItems)
	}
	if b.CancelledAt != nil {
		t := *b.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

// BookingFilter narrows ListBookings. Zero values mean "any".
type BookingFilter struct {
	UserID     string   `form:"user_id"`
	ResourceID string   `form:"resource_id"`
	Date       string   `form:"date"`
	DateTo     string   `form:"date_to"`
	Statuses   []Status `form:"-"`
	Limit      int      `form:"limit"`
	Offset     int      `form:"offset"`
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// Normalize applies paging defaults and bounds.
func (f BookingFilter) Normalize() BookingFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether b passes every non-empty criterion of f, ignoring paging.
func (f BookingFilter) Matches(b *Booking) bool {
	if f.UserID != "" && b.UserID != f.UserID {
		return false
	}
	if f.ResourceID != "" && b.ResourceID != f.ResourceID {
		return false
	}
	if f.DateTo == "" {
		if f.Date != "" && b.Window.Date != f.Date {
			return false
		}
	} else {
		if f.Date != "" && b.Window.Date < f.Date {
			return false
		}
		if b.Window.Date > f.DateTo {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if b.Status == s {
				return true
			}
		}
		return false
	}
	return true
}
