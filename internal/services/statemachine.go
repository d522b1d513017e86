package services

import (
	"fmt"
	"time"

	"table-reservations/internal/models"
)

// transitions enumerates every legal status change. Anything absent is illegal.
var transitions = map[models.Status][]models.Status{
	models.StatusPending:   {models.StatusConfirmed, models.StatusCancelled},
	models.StatusConfirmed: {models.StatusCompleted, models.StatusNoShow, models.StatusCancelled},
}

func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine applies the booking lifecycle rules including the
// cancellation buffer.
type StateMachine struct {
	policy Policy
}

func NewStateMachine(policy Policy) *StateMachine {
	return &StateMachine{policy: policy}
}

// Apply moves b to status `to` as of now. On any error b is not modified.
// Re-requesting the current status returns ErrAlreadyInState (or
// ErrAlreadyCancelled) so callers can treat it as a no-op.
func (m *StateMachine) Apply(b *models.Booking, to models.Status, now time.Time) error {
	if b.Status == to {
		if to == models.StatusCancelled {
			return ErrAlreadyCancelled
		}
		return ErrAlreadyInState
	}
	if !CanTransition(b.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, b.Status, to)
	}

	loc := m.policy.location()
	switch to {
	case models.StatusCancelled:
		start, err := b.Window.StartAt(loc)
		if err != nil {
			return fmt.Errorf("booking %s has unreadable window: %w", b.ID, err)
		}
		deadline := start.Add(-m.policy.CancellationBuffer)
		if !now.Before(deadline) {
			return fmt.Errorf("%w: deadline was %s", ErrCancellationWindowClosed, deadline.Format(time.RFC3339))
		}
	case models.StatusCompleted, models.StatusNoShow:
		end, err := b.Window.EndAt(loc)
		if err != nil {
			return fmt.Errorf("booking %s has unreadable window: %w", b.ID, err)
		}
		if now.Before(end) {
			return fmt.Errorf("%w: %s before the booking ends at %s", ErrIllegalTransition, to, end.Format(time.RFC3339))
		}
	}

	b.Status = to
	b.UpdatedAt = now
	if to == models.StatusCancelled {
		at := now
		b.CancelledAt = &at
	}
	return nil
}
