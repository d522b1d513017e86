package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"table-reservations/internal/logger"
	"table-reservations/internal/models"
	"table-reservations/internal/services"
)

// Bookings is the part of BookingService the sweeper drives.
type Bookings interface {
	ListBookings(ctx context.Context, filter models.BookingFilter, actor models.Actor) ([]*models.Booking, int, error)
	UpdateStatus(ctx context.Context, id string, status models.Status, actor models.Actor) (*services.Outcome, error)
}

const jobName = "booking-completion-sweep"

// Sweeper marks confirmed bookings completed once their window has ended.
type Sweeper struct {
	bookings  Bookings
	location  *time.Location
	actor     models.Actor
	log       *logger.Logger
	now       func() time.Time
	scheduler gocron.Scheduler
}

func New(bookings Bookings, location *time.Location, log *logger.Logger) *Sweeper {
	if location == nil {
		location = time.UTC
	}
	return &Sweeper{
		bookings: bookings,
		location: location,
		actor:    models.SystemActor("sweeper"),
		log:      log,
		now:      time.Now,
	}
}

// Start runs RunOnce every interval until Stop. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	sched, err := gocron.NewScheduler(gocron.WithLocation(s.location))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func(ctx context.Context) {
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("SWEEPER", fmt.Sprintf("Sweep failed: %v", err))
			}
		}),
		gocron.WithName(jobName),
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.scheduler = sched
	sched.Start()
	s.log.LogProcess("SWEEPER", fmt.Sprintf("Completing ended bookings every %s", interval))
	return nil
}

func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	s.log.LogProcess("SWEEPER", "Stopping completion sweep")
	return s.scheduler.Shutdown()
}

// RunOnce completes every confirmed booking that has ended and returns how
// many it changed. A booking that fails is logged and left for the next run.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now()
	ended, err := s.endedBookings(ctx, now)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, id := range ended {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		out, err := s.bookings.UpdateStatus(ctx, id, models.StatusCompleted, s.actor)
		if err != nil {
			s.log.Warn("SWEEPER", fmt.Sprintf("Could not complete booking %s: %v", id, err))
			continue
		}
		if out.Changed {
			completed++
		}
	}
	if completed > 0 {
		s.log.Info("SWEEPER", fmt.Sprintf("Completed %d bookings", completed))
	}
	return completed, nil
}

// endedBookings pages through confirmed bookings up to today before any
// status changes, so the pages stay stable.
func (s *Sweeper) endedBookings(ctx context.Context, now time.Time) ([]string, error) {
	filter := models.BookingFilter{
		DateTo:   now.In(s.location).Format(models.DateFormat),
		Statuses: []models.Status{models.StatusConfirmed},
		Limit:    models.MaxListLimit,
	}

	var ids []string
	for {
		page, total, err := s.bookings.ListBookings(ctx, filter, s.actor)
		if err != nil {
			return nil, fmt.Errorf("list confirmed bookings: %w", err)
		}
		for _, b := range page {
			end, err := b.Window.EndAt(s.location)
			if err != nil {
				s.log.Warn("SWEEPER", fmt.Sprintf("Booking %s has unreadable window: %v", b.ID, err))
				continue
			}
			if !now.Before(end) {
				ids = append(ids, b.ID)
			}
		}
		filter.Offset += len(page)
		if len(page) == 0 || filter.Offset >= total {
			return ids, nil
		}
	}
}
