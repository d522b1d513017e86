package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-reservations/internal/logger"
	"table-reservations/internal/models"
	"table-reservations/internal/services"
	"table-reservations/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var (
	customer = models.Actor{ID: "user-1", Role: models.RoleCustomer}
	admin    = models.Actor{ID: "admin-1", Role: models.RoleAdmin}
)

type fixture struct {
	svc   *services.BookingService
	clock *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog := storage.NewMemoryCatalog()
	catalog.PutResource(models.Resource{ID: "t1", Name: "Window table", Capacity: 4, HourlyRate: 2000, Active: true})
	c := &clock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	svc := services.NewBookingService(storage.NewMemoryLedger(), catalog, nil, logger.Nop(), services.DefaultPolicy(),
		services.WithClock(c.Now))
	return &fixture{svc: svc, clock: c}
}

func (f *fixture) book(t *testing.T, start, end string, confirm bool) string {
	t.Helper()
	b, err := f.svc.CreateBooking(context.Background(), customer, &services.CreateBookingRequest{
		ResourceID: "t1", Date: "2024-06-01", StartTime: start, EndTime: end, PartySize: 2,
	})
	require.NoError(t, err)
	if confirm {
		_, err = f.svc.UpdateStatus(context.Background(), b.ID, models.StatusConfirmed, admin)
		require.NoError(t, err)
	}
	return b.ID
}

func (f *fixture) status(t *testing.T, id string) models.Status {
	t.Helper()
	b, err := f.svc.GetBooking(context.Background(), id, admin)
	require.NoError(t, err)
	return b.Status
}

func TestRunOnce(t *testing.T) {
	f := newFixture(t)
	ended := f.book(t, "10:00", "11:00", true)
	running := f.book(t, "11:00", "13:00", true)
	unconfirmed := f.book(t, "13:00", "14:00", false)

	s := New(f.svc, time.UTC, logger.Nop())
	s.now = f.clock.Now

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing has ended yet")

	f.clock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	n, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusCompleted, f.status(t, ended))
	assert.Equal(t, models.StatusConfirmed, f.status(t, running))

	f.clock.Set(time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC))
	n, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusCompleted, f.status(t, running))
	assert.Equal(t, models.StatusPending, f.status(t, unconfirmed), "pending bookings are not completed")

	n, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnce_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.book(t, "10:00", "11:00", true)
	f.clock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	s := New(f.svc, time.UTC, logger.Nop())
	s.now = f.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	id := f.book(t, "10:00", "11:00", true)
	f.clock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	s := New(f.svc, time.UTC, logger.Nop())
	s.now = f.clock.Now

	assert.Error(t, s.Start(context.Background(), 0))
	require.NoError(t, s.Start(context.Background(), time.Hour))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		b, err := f.svc.GetBooking(context.Background(), id, admin)
		return err == nil && b.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
