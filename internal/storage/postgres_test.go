package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-reservations/internal/logger"
	"table-reservations/internal/models"
)

func newMockPostgres(t *testing.T) (*PostgresLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l, err := newPostgresLedger(db, logger.Nop())
	require.NoError(t, err)
	return l, mock
}

const pgProbe = `SELECT .*id.* FROM "bookings" WHERE .*start_minute < .* FOR UPDATE`

func TestPostgresLedger_InsertIfAvailable(t *testing.T) {
	l, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(pgProbe).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO "bookings"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := l.InsertIfAvailable(context.Background(), testBooking("a", "BK-1", 18*60, 20*60))
	require.NoError(t, err)
	assert.Equal(t, "BK-1", got.Reference)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_InsertConflicts(t *testing.T) {
	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock)
		want   error
	}{
		{
			name: "probe finds overlap",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(pgProbe).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing"))
			},
			want: ErrSlotConflict,
		},
		{
			name: "exclusion constraint",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(pgProbe).WillReturnRows(sqlmock.NewRows([]string{"id"}))
				mock.ExpectExec(`INSERT INTO "bookings"`).
					WillReturnError(&pgconn.PgError{Code: pgExclusionViolation, ConstraintName: "ex_bookings_active_slot"})
			},
			want: ErrSlotConflict,
		},
		{
			name: "duplicate reference",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(pgProbe).WillReturnRows(sqlmock.NewRows([]string{"id"}))
				mock.ExpectExec(`INSERT INTO "bookings"`).
					WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "uq_bookings_reference"})
			},
			want: ErrDuplicateReference,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, mock := newMockPostgres(t)
			mock.ExpectBegin()
			tt.expect(mock)
			mock.ExpectRollback()

			_, err := l.InsertIfAvailable(context.Background(), testBooking("b", "BK-1", 19*60, 21*60))
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresLedger_InsertRetriesSerializationFailure(t *testing.T) {
	l, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(pgProbe).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO "bookings"`).WillReturnError(&pgconn.PgError{Code: pgSerializationFailure})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery(pgProbe).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("winner"))
	mock.ExpectRollback()

	_, err := l.InsertIfAvailable(context.Background(), testBooking("c", "BK-3", 18*60, 20*60))
	assert.ErrorIs(t, err, ErrSlotConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_ApplyTransition(t *testing.T) {
	l, mock := newMockPostgres(t)
	now := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "bookings" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(bookingRow(sqlmock.NewRows(bookingColumnNames), "a", "confirmed"))
	mock.ExpectExec(`UPDATE "bookings" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := l.ApplyTransition(context.Background(), "a", func(b *models.Booking) error {
		b.Status = models.StatusCancelled
		b.CancelledAt = &now
		b.UpdatedAt = now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_ApplyTransitionRejectedRollsBack(t *testing.T) {
	l, mock := newMockPostgres(t)
	rejected := errors.New("rejected")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "bookings" WHERE id = \$1`).
		WillReturnRows(bookingRow(sqlmock.NewRows(bookingColumnNames), "a", "pending"))
	mock.ExpectRollback()

	got, err := l.ApplyTransition(context.Background(), "a", func(*models.Booking) error { return rejected })
	assert.ErrorIs(t, err, rejected)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_ApplyTransitionNotFound(t *testing.T) {
	l, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "bookings" WHERE id = \$1`).WillReturnRows(sqlmock.NewRows(bookingColumnNames))
	mock.ExpectRollback()

	_, err := l.ApplyTransition(context.Background(), "missing", func(*models.Booking) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_Reads(t *testing.T) {
	l, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectQuery(`FROM "bookings" AS "b" WHERE \(b.id = 'a'\)`).
		WillReturnRows(bookingRow(sqlmock.NewRows(bookingColumnNames), "a", "pending"))
	got, err := l.GetBooking(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.Money(4500), got.TotalAmount)
	assert.Equal(t, models.Clock(18*60), got.Window.Start)

	mock.ExpectQuery(`FROM "bookings" AS "b" WHERE \(b.reference = 'BK-X'\)`).
		WillReturnRows(sqlmock.NewRows(bookingColumnNames))
	_, err = l.GetBookingByReference(ctx, "BK-X")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(`WHERE \(b.resource_id = 't1'\) AND \(b.booking_date = '2024-06-01'\) AND \(b.status IN \('pending', 'confirmed'\)\)`).
		WillReturnRows(bookingRow(sqlmock.NewRows(bookingColumnNames), "a", "pending"))
	active, err := l.ActiveBookings(ctx, "t1", "2024-06-01")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_ListBookings(t *testing.T) {
	l, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "bookings" AS "b" WHERE \(b.resource_id = 't1'\) AND \(b.status IN \('cancelled'\)\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectQuery(`WHERE \(b.resource_id = 't1'\) AND \(b.status IN \('cancelled'\)\) ORDER BY .* LIMIT 2 OFFSET 2`).
		WillReturnRows(bookingRow(sqlmock.NewRows(bookingColumnNames), "c", "cancelled"))

	got, total, err := l.ListBookings(context.Background(), models.BookingFilter{
		ResourceID: "t1",
		Statuses:   []models.Status{models.StatusCancelled},
		Limit:      2,
		Offset:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCatalog(t *testing.T) {
	l, mock := newMockPostgres(t)
	c := NewPostgresCatalog(l)
	ctx := context.Background()

	mock.ExpectQuery(`FROM "add_ons" AS "a" WHERE \(a.id = 'wine'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "unit_price", "active"}).AddRow("wine", "House wine", int64(500), true))
	a, err := c.GetAddOn(ctx, "wine")
	require.NoError(t, err)
	assert.Equal(t, models.Money(500), a.UnitPrice)

	mock.ExpectQuery(`FROM "resources" AS "r" WHERE \(r.id = 'none'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "capacity", "hourly_rate", "active"}))
	_, err = c.GetResource(ctx, "none")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyPostgresError(t *testing.T) {
	assert.ErrorIs(t, classifyPostgresError(&pgconn.PgError{Code: pgDeadlockDetected}), ErrTransient)
	assert.ErrorIs(t, classifyPostgresError(&pgconn.PgError{Code: pgExclusionViolation}), ErrSlotConflict)

	otherUnique := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "bookings_pkey"}
	assert.Equal(t, otherUnique, classifyPostgresError(otherUnique))
}
