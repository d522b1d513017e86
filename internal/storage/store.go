package storage

import (
	"context"
	"errors"

	"table-reservations/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrSlotConflict means an active booking already overlaps the window.
	ErrSlotConflict       = errors.New("slot conflict")
	ErrDuplicateReference = errors.New("duplicate booking reference")
	// ErrTransient marks failures that may succeed on retry: lost connections,
	// timeouts, deadlocks that outlived the ledger's own retries.
	ErrTransient = errors.New("transient storage failure")
)

// Mutation edits a locked booking in place. Returning an error aborts the
// transition and leaves the stored row untouched.
type Mutation func(b *models.Booking) error

// Ledger is the only writer of bookings.
type Ledger interface {
	// InsertIfAvailable re-checks the slot and inserts b in one atomic step.
	InsertIfAvailable(ctx context.Context, b *models.Booking) (*models.Booking, error)
	ApplyTransition(ctx context.Context, id string, mutate Mutation) (*models.Booking, error)

	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	GetBookingByReference(ctx context.Context, reference string) (*models.Booking, error)
	// ActiveBookings returns pending and confirmed bookings of a resource on date.
	ActiveBookings(ctx context.Context, resourceID, date string) ([]*models.Booking, error)
	ListBookings(ctx context.Context, filter models.BookingFilter) ([]*models.Booking, int, error)

	Close() error
}

// Catalog is the read-only view of resources and add-ons owned by another service.
type Catalog interface {
	GetResource(ctx context.Context, id string) (*models.Resource, error)
	GetAddOn(ctx context.Context, id string) (*models.AddOn, error)
}
