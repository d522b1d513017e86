package services

import (
	"context"
	"time"

	"table-reservations/internal/models"
)

// ActiveBookingReader is the slice of the ledger availability checks need.
type ActiveBookingReader interface {
	ActiveBookings(ctx context.Context, resourceID, date string) ([]*models.Booking, error)
}

// AvailabilityChecker answers "is this slot free right now". The answer is
// advisory: only the ledger insert is authoritative.
type AvailabilityChecker struct {
	reader ActiveBookingReader
}

func NewAvailabilityChecker(reader ActiveBookingReader) *AvailabilityChecker {
	return &AvailabilityChecker{reader: reader}
}

// Check reports whether window is free on resourceID. excludeID, when set,
// is ignored so a booking never conflicts with itself on reschedule.
func (a *AvailabilityChecker) Check(ctx context.Context, resourceID string, window models.TimeWindow, excludeID string) (bool, error) {
	existing, err := a.reader.ActiveBookings(ctx, resourceID, window.Date)
	if err != nil {
		return false, err
	}
	return !Conflicts(existing, window, excludeID), nil
}

// Conflicts reports whether any active booking in existing overlaps window.
func Conflicts(existing []*models.Booking, window models.TimeWindow, excludeID string) bool {
	for _, b := range existing {
		if b.ID == excludeID || !b.Status.IsActive() {
			continue
		}
		if b.Window.Overlaps(window) {
			return true
		}
	}
	return false
}

// ValidateWindow checks the window's shape against policy bounds.
func ValidateWindow(w models.TimeWindow, p Policy) error {
	if _, err := time.ParseInLocation(models.DateFormat, w.Date, p.location()); err != nil {
		return invalid("date", "must be YYYY-MM-DD")
	}
	if w.Start < 0 || w.Start >= models.MinutesPerDay {
		return invalid("start_time", "must be between 00:00 and 23:59")
	}
	if w.End > models.MinutesPerDay {
		return invalid("end_time", "must not be after 24:00")
	}
	if w.End <= w.Start {
		return invalid("end_time", "must be after start_time")
	}
	if d := w.Duration(); d < p.MinDuration || d > p.MaxDuration {
		return invalid("end_time", "duration %s outside [%s, %s]", d, p.MinDuration, p.MaxDuration)
	}
	return nil
}
