package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"table-reservations/internal/models"
)

// bookingRecord is the row shape shared by the SQL ledgers. MySQL scans it
// through database/sql; on Postgres bun reads it and gorm writes it.
type bookingRecord struct {
	bun.BaseModel `bun:"table:bookings,alias:b" gorm:"-"`

	ID                 string     `bun:"id,pk" gorm:"column:id;primaryKey"`
	UserID             string     `bun:"user_id" gorm:"column:user_id"`
	ResourceID         string     `bun:"resource_id" gorm:"column:resource_id"`
	BookingDate        string     `bun:"booking_date" gorm:"column:booking_date"`
	StartMinute        int        `bun:"start_minute" gorm:"column:start_minute"`
	EndMinute          int        `bun:"end_minute" gorm:"column:end_minute"`
	PartySize          int        `bun:"party_size" gorm:"column:party_size"`
	HourlyRate         int64      `bun:"hourly_rate" gorm:"column:hourly_rate"`
	LineItems          string     `bun:"line_items" gorm:"column:line_items"`
	TotalAmount        int64      `bun:"total_amount" gorm:"column:total_amount"`
	Status             string     `bun:"status" gorm:"column:status"`
	PaymentStatus      string     `bun:"payment_status" gorm:"column:payment_status"`
	PaymentRef         string     `bun:"payment_ref" gorm:"column:payment_ref"`
	Reference          string     `bun:"reference" gorm:"column:reference"`
	SpecialRequests    string     `bun:"special_requests" gorm:"column:special_requests"`
	CancellationReason string     `bun:"cancellation_reason" gorm:"column:cancellation_reason"`
	CancelledAt        *time.Time `bun:"cancelled_at" gorm:"column:cancelled_at"`
	CreatedAt          time.Time  `bun:"created_at" gorm:"column:created_at"`
	UpdatedAt          time.Time  `bun:"updated_at" gorm:"column:updated_at"`
}

func (bookingRecord) TableName() string { return "bookings" }

const bookingColumns = `id, user_id, resource_id, booking_date, start_minute, end_minute, party_size,
	hourly_rate, line_items, total_amount, status, payment_status, payment_ref, reference,
	special_requests, cancellation_reason, cancelled_at, created_at, updated_at`

func newBookingRecord(b *models.Booking) (*bookingRecord, error) {
	items := b.LineItems
	if items == nil {
		items = []models.LineItem{}
	}
	lineItems, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode line items: %w", err)
	}
	r := &bookingRecord{
		ID:                 b.ID,
		UserID:             b.UserID,
		ResourceID:         b.ResourceID,
		BookingDate:        b.Window.Date,
		StartMinute:        int(b.Window.Start),
		EndMinute:          int(b.Window.End),
		PartySize:          b.PartySize,
		HourlyRate:         int64(b.HourlyRate),
		LineItems:          string(lineItems),
		TotalAmount:        int64(b.TotalAmount),
		Status:             string(b.Status),
		PaymentStatus:      string(b.PaymentStatus),
		PaymentRef:         b.PaymentRef,
		Reference:          b.Reference,
		SpecialRequests:    b.SpecialRequests,
		CancellationReason: b.CancellationReason,
		CreatedAt:          b.CreatedAt.UTC(),
		UpdatedAt:          b.UpdatedAt.UTC(),
	}
	if b.CancelledAt != nil {
		t := b.CancelledAt.UTC()
		r.CancelledAt = &t
	}
	return r, nil
}

func (r *bookingRecord) toModel() (*models.Booking, error) {
	var items []models.LineItem
	if r.LineItems != "" {
		if err := json.Unmarshal([]byte(r.LineItems), &items); err != nil {
			return nil, fmt.Errorf("decode line items of booking %s: %w", r.ID, err)
		}
	}
	b := &models.Booking{
		ID:         r.ID,
		UserID:     r.UserID,
		ResourceID: r.ResourceID,
		Window: models.TimeWindow{
			Date:  r.BookingDate,
			Start: models.Clock(r.StartMinute),
			End:   models.Clock(r.EndMinute),
		},
		PartySize:          r.PartySize,
		HourlyRate:         models.Money(r.HourlyRate),
		LineItems:          items,
		TotalAmount:        models.Money(r.TotalAmount),
		Status:             models.Status(r.Status),
		PaymentStatus:      models.PaymentStatus(r.PaymentStatus),
		PaymentRef:         r.PaymentRef,
		Reference:          r.Reference,
		SpecialRequests:    r.SpecialRequests,
		CancellationReason: r.CancellationReason,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		b.CancelledAt = &t
	}
	return b, nil
}

// insertArgs lists values in bookingColumns order.
func (r *bookingRecord) insertArgs() []any {
	return []any{
		r.ID, r.UserID, r.ResourceID, r.BookingDate, r.StartMinute, r.EndMinute, r.PartySize,
		r.HourlyRate, r.LineItems, r.TotalAmount, r.Status, r.PaymentStatus, r.PaymentRef, r.Reference,
		r.SpecialRequests, r.CancellationReason, r.CancelledAt, r.CreatedAt, r.UpdatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBookingRecord(row rowScanner) (*bookingRecord, error) {
	var (
		r           bookingRecord
		cancelledAt sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.UserID, &r.ResourceID, &r.BookingDate, &r.StartMinute, &r.EndMinute, &r.PartySize,
		&r.HourlyRate, &r.LineItems, &r.TotalAmount, &r.Status, &r.PaymentStatus, &r.PaymentRef, &r.Reference,
		&r.SpecialRequests, &r.CancellationReason, &cancelledAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		r.CancelledAt = &t
	}
	return &r, nil
}

func recordsToModels(rs []bookingRecord) ([]*models.Booking, error) {
	out := make([]*models.Booking, 0, len(rs))
	for i := range rs {
		b, err := rs[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

type resourceRecord struct {
	bun.BaseModel `bun:"table:resources,alias:r" gorm:"-"`

	ID         string `bun:"id,pk" gorm:"column:id;primaryKey"`
	Name       string `bun:"name" gorm:"column:name"`
	Capacity   int    `bun:"capacity" gorm:"column:capacity"`
	HourlyRate int64  `bun:"hourly_rate" gorm:"column:hourly_rate"`
	Active     bool   `bun:"active" gorm:"column:active"`
}

func (resourceRecord) TableName() string { return "resources" }

func (r *resourceRecord) toModel() *models.Resource {
	return &models.Resource{
		ID:         r.ID,
		Name:       r.Name,
		Capacity:   r.Capacity,
		HourlyRate: models.Money(r.HourlyRate),
		Active:     r.Active,
	}
}

type addOnRecord struct {
	bun.BaseModel `bun:"table:add_ons,alias:a" gorm:"-"`

	ID        string `bun:"id,pk" gorm:"column:id;primaryKey"`
	Name      string `bun:"name" gorm:"column:name"`
	UnitPrice int64  `bun:"unit_price" gorm:"column:unit_price"`
	Active    bool   `bun:"active" gorm:"column:active"`
}

func (addOnRecord) TableName() string { return "add_ons" }

func (a *addOnRecord) toModel() *models.AddOn {
	return &models.AddOn{
		ID:        a.ID,
		Name:      a.Name,
		UnitPrice: models.Money(a.UnitPrice),
		Active:    a.Active,
	}
}
