package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-reservations/internal/logger"
	"table-reservations/internal/models"
)

var bookingColumnNames = []string{
	"id", "user_id", "resource_id", "booking_date", "start_minute", "end_minute", "party_size",
	"hourly_rate", "line_items", "total_amount", "status", "payment_status", "payment_ref", "reference",
	"special_requests", "cancellation_reason", "cancelled_at", "created_at", "updated_at",
}

func newMockMySQL(t *testing.T) (*MySQLLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newMySQLLedger(db, logger.Nop()), mock
}

func bookingRow(rows *sqlmock.Rows, id, status string) *sqlmock.Rows {
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return rows.AddRow(
		id, "user-1", "t1", "2024-06-01", int64(18*60), int64(20*60), int64(2),
		int64(2000), `[{"add_on_id":"wine","quantity":1,"unit_price":500}]`, int64(4500),
		status, "unpaid", "", "BK-240601-ABCDEFGHJK",
		"", "", nil, created, created,
	)
}

func TestMySQLLedger_InsertIfAvailable(t *testing.T) {
	l, mock := newMockMySQL(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM bookings").
		WithArgs("t1", "2024-06-01", 20*60, 18*60).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO bookings").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	b := testBooking("a", "BK-1", 18*60, 20*60)
	got, err := l.InsertIfAvailable(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedger_InsertRejectsOverlap(t *testing.T) {
	l, mock := newMockMySQL(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM bookings").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing"))
	mock.ExpectRollback()

	_, err := l.InsertIfAvailable(context.Background(), testBooking("b", "BK-2", 19*60, 21*60))
	assert.ErrorIs(t, err, ErrSlotConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedger_InsertMapsDuplicateKeys(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    error
	}{
		{"reference", "Duplicate entry 'BK-1' for key 'bookings.uq_bookings_reference'", ErrDuplicateReference},
		{"slot", "Duplicate entry 't1|2024-06-01|1080' for key 'bookings.uq_bookings_active_slot'", ErrSlotConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, mock := newMockMySQL(t)

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT id FROM bookings").WillReturnRows(sqlmock.NewRows([]string{"id"}))
			mock.ExpectExec("INSERT INTO bookings").
				WillReturnError(&mysql.MySQLError{Number: mysqlErrDuplicateEntry, Message: tt.message})
			mock.ExpectRollback()

			_, err := l.InsertIfAvailable(context.Background(), testBooking("c", "BK-1", 18*60, 20*60))
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMySQLLedger_InsertRetriesDeadlock(t *testing.T) {
	l, mock := newMockMySQL(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM bookings").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO bookings").
		WillReturnError(&mysql.MySQLError{Number: mysqlErrDeadlock, Message: "Deadlock found"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM bookings").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO bookings").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, err := l.InsertIfAvailable(context.Background(), testBooking("d", "BK-4", 18*60, 20*60))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedger_ApplyTransition(t *testing.T) {
	l, mock := newMockMySQL(t)
	now := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM bookings WHERE id = \? FOR UPDATE`).
		WithArgs("a").
		WillReturnRows(bookingRow(sqlmock.NewRows(bookingColumnNames), "a", "pending"))
	mock.ExpectExec("UPDATE bookings").
		WithArgs("confirmed", "unpaid", "", "", nil, now, "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := l.ApplyTransition(context.Background(), "a", func(b *models.Booking) error {
		b.Status = models.StatusConfirmed
		b.UpdatedAt = now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, models.Money(4500), got.TotalAmount)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, "wine", got.LineItems[0].AddOnID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedger_ApplyTransitionRejected(t *testing.T) {
	l, mock := newMockMySQL(t)
	rejected := errors.New("rejected")

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM bookings WHERE id = \? FOR UPDATE`).
		WillReturnRows(bookingRow(sqlmock.NewRows(bookingColumnNames), "a", "cancelled"))
	mock.ExpectRollback()

	got, err := l.ApplyTransition(context.Background(), "a", func(b *models.Booking) error {
		b.Status = models.StatusConfirmed
		return rejected
	})
	assert.ErrorIs(t, err, rejected)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusCancelled, got.Status, "current row, not the draft")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedger_ApplyTransitionNotFound(t *testing.T) {
	l, mock := newMockMySQL(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM bookings WHERE id = \? FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(bookingColumnNames))
	mock.ExpectRollback()

	_, err := l.ApplyTransition(context.Background(), "missing", func(*models.Booking) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedger_Reads(t *testing.T) {
	l, mock := newMockMySQL(t)
	ctx := context.Background()

	mock.ExpectQuery(`FROM bookings WHERE reference = \?`).
		WithArgs("BK-240601-ABCDEFGHJK").
		WillReturnRows(bookingRow(sqlmock.NewRows(bookingColumnNames), "a", "confirmed"))
	got, err := l.GetBookingByReference(ctx, "BK-240601-ABCDEFGHJK")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, models.TimeWindow{Date: "2024-06-01", Start: 18 * 60, End: 20 * 60}, got.Window)

	mock.ExpectQuery(`FROM bookings WHERE id = \?`).WithArgs("nope").WillReturnRows(sqlmock.NewRows(bookingColumnNames))
	_, err = l.GetBooking(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(`status IN \('pending', 'confirmed'\)`).
		WithArgs("t1", "2024-06-01").
		WillReturnRows(bookingRow(bookingRow(sqlmock.NewRows(bookingColumnNames), "a", "pending"), "b", "confirmed"))
	active, err := l.ActiveBookings(ctx, "t1", "2024-06-01")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLedger_ListBookings(t *testing.T) {
	l, mock := newMockMySQL(t)

	filter := models.BookingFilter{
		UserID:   "user-1",
		Date:     "2024-06-01",
		DateTo:   "2024-06-30",
		Statuses: []models.Status{models.StatusPending, models.StatusConfirmed},
		Limit:    10,
	}
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bookings WHERE user_id = \? AND booking_date >= \? AND booking_date <= \? AND status IN \(\?, \?\)`).
		WithArgs("user-1", "2024-06-01", "2024-06-30", "pending", "confirmed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(11)))
	mock.ExpectQuery(`ORDER BY booking_date, start_minute, id LIMIT \? OFFSET \?`).
		WithArgs("user-1", "2024-06-01", "2024-06-30", "pending", "confirmed", 10, 0).
		WillReturnRows(bookingRow(sqlmock.NewRows(bookingColumnNames), "a", "pending"))

	got, total, err := l.ListBookings(context.Background(), filter)
	require.NoError(t, err)
	assert.Equal(t, 11, total)
	assert.Len(t, got, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLCatalog(t *testing.T) {
	l, mock := newMockMySQL(t)
	c := NewMySQLCatalog(l)
	ctx := context.Background()

	mock.ExpectQuery("FROM resources WHERE id = ").WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "capacity", "hourly_rate", "active"}).
			AddRow("t1", "Window table", int64(4), int64(2000), true))
	r, err := c.GetResource(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.Money(2000), r.HourlyRate)

	mock.ExpectQuery("FROM add_ons WHERE id = ").WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "unit_price", "active"}))
	_, err = c.GetAddOn(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFilterClause(t *testing.T) {
	dollar := func(n int) string { return fmt.Sprintf("$%d", n) }

	where, args := filterClause(models.BookingFilter{}, dollar)
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = filterClause(models.BookingFilter{ResourceID: "t1", Date: "2024-06-01", Statuses: []models.Status{models.StatusCancelled}}, dollar)
	assert.Equal(t, " WHERE resource_id = $1 AND booking_date = $2 AND status IN ($3)", where)
	assert.Equal(t, []any{"t1", "2024-06-01", "cancelled"}, args)
}

func TestClassifyMySQLError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadlock", &mysql.MySQLError{Number: mysqlErrDeadlock}, ErrTransient},
		{"lock wait", &mysql.MySQLError{Number: mysqlErrLockWait}, ErrTransient},
		{"bad conn", driver.ErrBadConn, ErrTransient},
		{"invalid conn", mysql.ErrInvalidConn, ErrTransient},
		{"reference", &mysql.MySQLError{Number: mysqlErrDuplicateEntry, Message: "for key 'uq_bookings_reference'"}, ErrDuplicateReference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyMySQLError(tt.err), tt.want)
		})
	}

	other := &mysql.MySQLError{Number: 1146, Message: "Table doesn't exist"}
	assert.Equal(t, other, classifyMySQLError(other))
}
