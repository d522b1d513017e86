package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/go-sql-driver/mysql"

	"table-reservations/internal/config"
	"table-reservations/internal/logger"
	"table-reservations/internal/models"
)

const (
	mysqlErrDuplicateEntry = 1062
	mysqlErrLockWait       = 1205
	mysqlErrDeadlock       = 1213
)

// MySQLLedger keeps bookings in InnoDB. Inserts run SERIALIZABLE with a
// locking overlap probe, so two overlapping inserts cannot both commit.
type MySQLLedger struct {
	db      *sql.DB
	log     *logger.Logger
	retrier *retrier.Retrier
}

func NewMySQLLedger(cfg config.DatabaseConfig, log *logger.Logger) (*MySQLLedger, error) {
	log.LogDatabase("CONNECT", "mysql", fmt.Sprintf("Connecting to MySQL at %s:%s", cfg.Host, cfg.Port))

	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		log.Error("DATABASE", "Failed to open MySQL connection: "+err.Error())
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Error("DATABASE", "Failed to ping MySQL: "+err.Error())
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := MigrateMySQL(ctx, db, log); err != nil {
		log.Error("DATABASE", "Failed to initialize tables: "+err.Error())
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	log.LogDatabase("SUCCESS", "mysql", "MySQL connection established and tables initialized")
	return newMySQLLedger(db, log), nil
}

func newMySQLLedger(db *sql.DB, log *logger.Logger) *MySQLLedger {
	return &MySQLLedger{
		db:      db,
		log:     log,
		retrier: retrier.New(retrier.ExponentialBackoff(3, 20*time.Millisecond), mysqlLockClassifier{}),
	}
}

var mysqlMigrations = []struct {
	name  string
	query string
}{
	{"resources", `
    CREATE TABLE IF NOT EXISTS resources (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        capacity INT NOT NULL,
        hourly_rate BIGINT NOT NULL,
        active BOOLEAN NOT NULL DEFAULT TRUE
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
    `},
	{"add_ons", `
    CREATE TABLE IF NOT EXISTS add_ons (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        unit_price BIGINT NOT NULL,
        active BOOLEAN NOT NULL DEFAULT TRUE
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
    `},
	{"bookings", `
    CREATE TABLE IF NOT EXISTS bookings (
        id CHAR(36) PRIMARY KEY,
        user_id VARCHAR(64) NOT NULL,
        resource_id VARCHAR(64) NOT NULL,
        booking_date CHAR(10) NOT NULL,
        start_minute SMALLINT NOT NULL,
        end_minute SMALLINT NOT NULL,
        party_size INT NOT NULL,
        hourly_rate BIGINT NOT NULL,
        line_items JSON NOT NULL,
        total_amount BIGINT NOT NULL,
        status VARCHAR(20) NOT NULL,
        payment_status VARCHAR(20) NOT NULL,
        payment_ref VARCHAR(255) NOT NULL DEFAULT '',
        reference VARCHAR(32) NOT NULL,
        special_requests TEXT NOT NULL,
        cancellation_reason VARCHAR(500) NOT NULL DEFAULT '',
        cancelled_at DATETIME(6) NULL,
        created_at DATETIME(6) NOT NULL,
        updated_at DATETIME(6) NOT NULL,
        active_slot VARCHAR(100) AS (
            CASE WHEN status IN ('pending', 'confirmed')
            THEN CONCAT(resource_id, '|', booking_date, '|', start_minute) END
        ) STORED,
        UNIQUE KEY uq_bookings_reference (reference),
        UNIQUE KEY uq_bookings_active_slot (active_slot),
        KEY idx_bookings_slot (resource_id, booking_date, status),
        KEY idx_bookings_user (user_id, booking_date)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
    `},
}

// MigrateMySQL creates the reservation tables if they do not exist.
func MigrateMySQL(ctx context.Context, db *sql.DB, log *logger.Logger) error {
	for _, m := range mysqlMigrations {
		log.LogDatabase("MIGRATE", "mysql", fmt.Sprintf("Creating %s table if not exists", m.name))
		if _, err := db.ExecContext(ctx, m.query); err != nil {
			return fmt.Errorf("failed to create %s table: %w", m.name, err)
		}
	}
	log.LogDatabase("SUCCESS", "mysql", "Reservation tables ready")
	return nil
}

const mysqlOverlapProbe = `
    SELECT id FROM bookings
    WHERE resource_id = ? AND booking_date = ? AND status IN ('pending', 'confirmed')
      AND start_minute < ? AND end_minute > ?
    LIMIT 1 FOR UPDATE
    `

func (s *MySQLLedger) InsertIfAvailable(ctx context.Context, b *models.Booking) (*models.Booking, error) {
	s.log.LogDatabase("INSERT", "mysql", fmt.Sprintf("Inserting booking %s on %s %s", b.ID, b.ResourceID, b.Window))

	rec, err := newBookingRecord(b)
	if err != nil {
		return nil, err
	}

	err = s.retrier.RunCtx(ctx, func(ctx context.Context) error {
		return s.insertOnce(ctx, rec)
	})
	if err != nil {
		err = classifyMySQLError(err)
		switch {
		case errors.Is(err, ErrSlotConflict):
			s.log.LogDatabase("CONFLICT", "mysql", fmt.Sprintf("Slot taken for booking %s", b.ID))
		case errors.Is(err, ErrDuplicateReference):
			s.log.LogDatabase("CONFLICT", "mysql", fmt.Sprintf("Reference %s already used", b.Reference))
		default:
			s.log.Error("DATABASE", fmt.Sprintf("Failed to insert booking %s: %s", b.ID, err.Error()))
		}
		return nil, err
	}

	s.log.LogDatabase("SUCCESS", "mysql", fmt.Sprintf("Booking %s saved successfully", b.ID))
	return b.Clone(), nil
}

func (s *MySQLLedger) insertOnce(ctx context.Context, rec *bookingRecord) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, mysqlOverlapProbe,
		rec.ResourceID, rec.BookingDate, rec.EndMinute, rec.StartMinute,
	).Scan(&existing)
	switch {
	case err == nil:
		return ErrSlotConflict
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	query := "INSERT INTO bookings (" + bookingColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	if _, err := tx.ExecContext(ctx, query, rec.insertArgs()...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *MySQLLedger) ApplyTransition(ctx context.Context, id string, mutate Mutation) (*models.Booking, error) {
	s.log.LogDatabase("UPDATE", "mysql", fmt.Sprintf("Transitioning booking %s", id))

	var (
		result    *models.Booking
		mutateErr error
	)
	err := s.retrier.RunCtx(ctx, func(ctx context.Context) error {
		result, mutateErr = nil, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE id = ? FOR UPDATE", id)
		rec, err := scanBookingRecord(row)
		if err != nil {
			return err
		}
		current, err := rec.toModel()
		if err != nil {
			return err
		}

		draft := current.Clone()
		if mutateErr = mutate(draft); mutateErr != nil {
			result = current
			return nil
		}

		next, err := newBookingRecord(draft)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
    UPDATE bookings
    SET status = ?, payment_status = ?, payment_ref = ?, cancellation_reason = ?, cancelled_at = ?, updated_at = ?
    WHERE id = ?
    `, next.Status, next.PaymentStatus, next.PaymentRef, next.CancellationReason, next.CancelledAt, next.UpdatedAt, id)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = draft
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.log.LogDatabase("NOT_FOUND", "mysql", fmt.Sprintf("Booking %s not found", id))
			return nil, ErrNotFound
		}
		err = classifyMySQLError(err)
		s.log.Error("DATABASE", fmt.Sprintf("Failed to update booking %s: %s", id, err.Error()))
		return nil, err
	}
	if mutateErr != nil {
		return result, mutateErr
	}

	s.log.LogDatabase("SUCCESS", "mysql", fmt.Sprintf("Booking %s is now %s", id, result.Status))
	return result, nil
}

func (s *MySQLLedger) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	s.log.LogDatabase("SELECT", "mysql", fmt.Sprintf("Fetching booking %s", id))
	return s.getOne(ctx, "id", id)
}

func (s *MySQLLedger) GetBookingByReference(ctx context.Context, reference string) (*models.Booking, error) {
	s.log.LogDatabase("SELECT", "mysql", fmt.Sprintf("Fetching booking by reference %s", reference))
	return s.getOne(ctx, "reference", reference)
}

func (s *MySQLLedger) getOne(ctx context.Context, column, value string) (*models.Booking, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE "+column+" = ?", value)
	rec, err := scanBookingRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.log.LogDatabase("NOT_FOUND", "mysql", fmt.Sprintf("Booking %s=%s not found", column, value))
			return nil, ErrNotFound
		}
		s.log.Error("DATABASE", fmt.Sprintf("Failed to fetch booking %s=%s: %s", column, value, err.Error()))
		return nil, classifyMySQLError(err)
	}
	return rec.toModel()
}

func (s *MySQLLedger) ActiveBookings(ctx context.Context, resourceID, date string) ([]*models.Booking, error) {
	s.log.LogDatabase("SELECT", "mysql", fmt.Sprintf("Fetching active bookings of %s on %s", resourceID, date))

	rows, err := s.db.QueryContext(ctx, "SELECT "+bookingColumns+` FROM bookings
    WHERE resource_id = ? AND booking_date = ? AND status IN ('pending', 'confirmed')
    ORDER BY start_minute, id`, resourceID, date)
	if err != nil {
		s.log.Error("DATABASE", "Failed to fetch active bookings: "+err.Error())
		return nil, classifyMySQLError(err)
	}
	defer rows.Close()

	return s.collect(rows)
}

func (s *MySQLLedger) ListBookings(ctx context.Context, filter models.BookingFilter) ([]*models.Booking, int, error) {
	filter = filter.Normalize()
	s.log.LogDatabase("SELECT", "mysql", fmt.Sprintf("Listing bookings (limit: %d, offset: %d)", filter.Limit, filter.Offset))

	where, args := filterClause(filter, func(int) string { return "?" })

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bookings"+where, args...).Scan(&total); err != nil {
		s.log.Error("DATABASE", "Failed to count bookings: "+err.Error())
		return nil, 0, classifyMySQLError(err)
	}

	query := "SELECT " + bookingColumns + " FROM bookings" + where +
		" ORDER BY booking_date, start_minute, id LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		s.log.Error("DATABASE", "Failed to list bookings: "+err.Error())
		return nil, 0, classifyMySQLError(err)
	}
	defer rows.Close()

	out, err := s.collect(rows)
	if err != nil {
		return nil, 0, err
	}

	s.log.LogDatabase("SUCCESS", "mysql", fmt.Sprintf("Retrieved %d of %d bookings", len(out), total))
	return out, total, nil
}

func (s *MySQLLedger) collect(rows *sql.Rows) ([]*models.Booking, error) {
	var out []*models.Booking
	for rows.Next() {
		rec, err := scanBookingRecord(rows)
		if err != nil {
			s.log.Error("DATABASE", "Failed to scan booking row: "+err.Error())
			return nil, err
		}
		b, err := rec.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyMySQLError(err)
	}
	return out, nil
}

func (s *MySQLLedger) Close() error {
	s.log.LogDatabase("CLOSE", "mysql", "Closing MySQL connection")
	return s.db.Close()
}

func (s *MySQLLedger) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// filterClause renders the non-paging part of filter as a WHERE clause.
// placeholder yields the bind marker for the n-th argument, starting at 1.
func filterClause(filter models.BookingFilter, placeholder func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, placeholder(len(args))))
	}

	if filter.UserID != "" {
		add("user_id = %s", filter.UserID)
	}
	if filter.ResourceID != "" {
		add("resource_id = %s", filter.ResourceID)
	}
	if filter.DateTo == "" {
		if filter.Date != "" {
			add("booking_date = %s", filter.Date)
		}
	} else {
		if filter.Date != "" {
			add("booking_date >= %s", filter.Date)
		}
		add("booking_date <= %s", filter.DateTo)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			args = append(args, string(st))
			marks[i] = placeholder(len(args))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// classifyMySQLError maps driver errors onto the ledger's error set.
func classifyMySQLError(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDuplicateEntry:
			if strings.Contains(myErr.Message, "uq_bookings_reference") {
				return ErrDuplicateReference
			}
			if strings.Contains(myErr.Message, "uq_bookings_active_slot") {
				return ErrSlotConflict
			}
		case mysqlErrDeadlock, mysqlErrLockWait:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// mysqlLockClassifier retries deadlocks and lock wait timeouts.
type mysqlLockClassifier struct{}

func (mysqlLockClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == mysqlErrDeadlock || myErr.Number == mysqlErrLockWait) {
		return retrier.Retry
	}
	return retrier.Fail
}

// MySQLCatalog reads resources and add-ons from the same database.
type MySQLCatalog struct {
	db  *sql.DB
	log *logger.Logger
}

func NewMySQLCatalog(ledger *MySQLLedger) *MySQLCatalog {
	return &MySQLCatalog{db: ledger.db, log: ledger.log}
}

func (c *MySQLCatalog) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	c.log.LogDatabase("SELECT", "mysql", fmt.Sprintf("Fetching resource %s", id))

	var r resourceRecord
	err := c.db.QueryRowContext(ctx,
		"SELECT id, name, capacity, hourly_rate, active FROM resources WHERE id = ?", id,
	).Scan(&r.ID, &r.Name, &r.Capacity, &r.HourlyRate, &r.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		c.log.Error("DATABASE", fmt.Sprintf("Failed to fetch resource %s: %s", id, err.Error()))
		return nil, classifyMySQLError(err)
	}
	return r.toModel(), nil
}

func (c *MySQLCatalog) GetAddOn(ctx context.Context, id string) (*models.AddOn, error) {
	c.log.LogDatabase("SELECT", "mysql", fmt.Sprintf("Fetching add-on %s", id))

	var a addOnRecord
	err := c.db.QueryRowContext(ctx,
		"SELECT id, name, unit_price, active FROM add_ons WHERE id = ?", id,
	).Scan(&a.ID, &a.Name, &a.UnitPrice, &a.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		c.log.Error("DATABASE", fmt.Sprintf("Failed to fetch add-on %s: %s", id, err.Error()))
		return nil, classifyMySQLError(err)
	}
	return a.toModel(), nil
}

// UpsertResource is used by seeding and the migrate tool.
func (c *MySQLCatalog) UpsertResource(ctx context.Context, r models.Resource) error {
	_, err := c.db.ExecContext(ctx, `
    INSERT INTO resources (id, name, capacity, hourly_rate, active) VALUES (?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE name = VALUES(name), capacity = VALUES(capacity),
        hourly_rate = VALUES(hourly_rate), active = VALUES(active)
    `, r.ID, r.Name, r.Capacity, int64(r.HourlyRate), r.Active)
	return err
}

func (c *MySQLCatalog) UpsertAddOn(ctx context.Context, a models.AddOn) error {
	_, err := c.db.ExecContext(ctx, `
    INSERT INTO add_ons (id, name, unit_price, active) VALUES (?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE name = VALUES(name), unit_price = VALUES(unit_price), active = VALUES(active)
    `, a.ID, a.Name, int64(a.UnitPrice), a.Active)
	return err
}
