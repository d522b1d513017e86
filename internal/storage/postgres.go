package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"table-reservations/internal/config"
	"table-reservations/internal/logger"
	"table-reservations/internal/models"
)

const (
	pgUniqueViolation      = "23505"
	pgExclusionViolation   = "23P01"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

var activeStatusNames = []string{string(models.StatusPending), string(models.StatusConfirmed)}

// PostgresLedger writes through gorm transactions and reads through bun.
// An exclusion constraint on the bookings table backs the overlap probe.
type PostgresLedger struct {
	sqlDB   *sql.DB
	gorm    *gorm.DB
	bun     *bun.DB
	log     *logger.Logger
	retrier *retrier.Retrier
}

func NewPostgresLedger(cfg config.PostgresConfig, log *logger.Logger) (*PostgresLedger, error) {
	log.LogDatabase("CONNECT", "postgres", "Connecting to PostgreSQL")

	pgxCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	sqlDB := stdlib.OpenDB(*pgxCfg)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		log.Error("DATABASE", "Failed to ping PostgreSQL: "+err.Error())
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	l, err := newPostgresLedger(sqlDB, log)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	if err := MigratePostgres(ctx, l.gorm, log); err != nil {
		log.Error("DATABASE", "Failed to initialize tables: "+err.Error())
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	log.LogDatabase("SUCCESS", "postgres", "PostgreSQL connection established and tables initialized")
	return l, nil
}

func newPostgresLedger(sqlDB *sql.DB, log *logger.Logger) (*PostgresLedger, error) {
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 gormLogger{log: log},
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}

	bdb := bun.NewDB(sqlDB, pgdialect.New())
	bdb.AddQueryHook(bunLogHook{log: log})

	return &PostgresLedger{
		sqlDB:   sqlDB,
		gorm:    gdb,
		bun:     bdb,
		log:     log,
		retrier: retrier.New(retrier.ExponentialBackoff(3, 20*time.Millisecond), pgRetryClassifier{}),
	}, nil
}

var postgresMigrations = []struct {
	name  string
	query string
}{
	{"btree_gist", `CREATE EXTENSION IF NOT EXISTS btree_gist`},
	{"resources", `
    CREATE TABLE IF NOT EXISTS resources (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        capacity INTEGER NOT NULL,
        hourly_rate BIGINT NOT NULL,
        active BOOLEAN NOT NULL DEFAULT TRUE
    )`},
	{"add_ons", `
    CREATE TABLE IF NOT EXISTS add_ons (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        unit_price BIGINT NOT NULL,
        active BOOLEAN NOT NULL DEFAULT TRUE
    )`},
	{"bookings", `
    CREATE TABLE IF NOT EXISTS bookings (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        resource_id TEXT NOT NULL,
        booking_date CHAR(10) NOT NULL,
        start_minute INTEGER NOT NULL,
        end_minute INTEGER NOT NULL,
        party_size INTEGER NOT NULL,
        hourly_rate BIGINT NOT NULL,
        line_items JSONB NOT NULL DEFAULT '[]',
        total_amount BIGINT NOT NULL,
        status TEXT NOT NULL,
        payment_status TEXT NOT NULL,
        payment_ref TEXT NOT NULL DEFAULT '',
        reference TEXT NOT NULL,
        special_requests TEXT NOT NULL DEFAULT '',
        cancellation_reason TEXT NOT NULL DEFAULT '',
        cancelled_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL,
        CONSTRAINT uq_bookings_reference UNIQUE (reference),
        CONSTRAINT ex_bookings_active_slot EXCLUDE USING gist (
            resource_id WITH =,
            booking_date WITH =,
            int4range(start_minute, end_minute) WITH &&
        ) WHERE (status IN ('pending', 'confirmed'))
    )`},
	{"idx_bookings_user", `CREATE INDEX IF NOT EXISTS idx_bookings_user ON bookings (user_id, booking_date)`},
}

// MigratePostgres creates the reservation tables and constraints if missing.
func MigratePostgres(ctx context.Context, db *gorm.DB, log *logger.Logger) error {
	for _, m := range postgresMigrations {
		log.LogDatabase("MIGRATE", "postgres", "Applying "+m.name)
		if err := db.WithContext(ctx).Exec(m.query).Error; err != nil {
			return fmt.Errorf("failed to apply %s: %w", m.name, err)
		}
	}
	log.LogDatabase("SUCCESS", "postgres", "Reservation tables ready")
	return nil
}

func (l *PostgresLedger) InsertIfAvailable(ctx context.Context, b *models.Booking) (*models.Booking, error) {
	l.log.LogDatabase("INSERT", "postgres", fmt.Sprintf("Inserting booking %s on %s %s", b.ID, b.ResourceID, b.Window))

	rec, err := newBookingRecord(b)
	if err != nil {
		return nil, err
	}

	err = l.retrier.RunCtx(ctx, func(ctx context.Context) error {
		return l.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var taken []string
			err := tx.Model(&bookingRecord{}).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("resource_id = ? AND booking_date = ? AND status IN ?", rec.ResourceID, rec.BookingDate, activeStatusNames).
				Where("start_minute < ? AND end_minute > ?", rec.EndMinute, rec.StartMinute).
				Limit(1).
				Pluck("id", &taken).Error
			if err != nil {
				return err
			}
			if len(taken) > 0 {
				return ErrSlotConflict
			}
			return tx.Create(rec).Error
		}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	})
	if err != nil {
		err = classifyPostgresError(err)
		if errors.Is(err, ErrSlotConflict) || errors.Is(err, ErrDuplicateReference) {
			l.log.LogDatabase("CONFLICT", "postgres", fmt.Sprintf("Booking %s rejected: %v", b.ID, err))
		} else {
			l.log.Error("DATABASE", fmt.Sprintf("Failed to insert booking %s: %s", b.ID, err.Error()))
		}
		return nil, err
	}

	l.log.LogDatabase("SUCCESS", "postgres", fmt.Sprintf("Booking %s saved successfully", b.ID))
	return b.Clone(), nil
}

func (l *PostgresLedger) ApplyTransition(ctx context.Context, id string, mutate Mutation) (*models.Booking, error) {
	l.log.LogDatabase("UPDATE", "postgres", fmt.Sprintf("Transitioning booking %s", id))

	var (
		result    *models.Booking
		mutateErr error
	)
	err := l.retrier.RunCtx(ctx, func(ctx context.Context) error {
		result, mutateErr = nil, nil
		return l.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rec bookingRecord
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&rec).Error; err != nil {
				return err
			}
			current, err := rec.toModel()
			if err != nil {
				return err
			}

			draft := current.Clone()
			if mutateErr = mutate(draft); mutateErr != nil {
				result = current
				return mutateErr
			}

			next, err := newBookingRecord(draft)
			if err != nil {
				return err
			}
			err = tx.Model(&bookingRecord{}).Where("id = ?", id).Updates(map[string]any{
				"status":              next.Status,
				"payment_status":      next.PaymentStatus,
				"payment_ref":         next.PaymentRef,
				"cancellation_reason": next.CancellationReason,
				"cancelled_at":        next.CancelledAt,
				"updated_at":          next.UpdatedAt,
			}).Error
			if err != nil {
				return err
			}
			result = draft
			return nil
		})
	})
	if mutateErr != nil {
		return result, mutateErr
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			l.log.LogDatabase("NOT_FOUND", "postgres", fmt.Sprintf("Booking %s not found", id))
			return nil, ErrNotFound
		}
		err = classifyPostgresError(err)
		l.log.Error("DATABASE", fmt.Sprintf("Failed to update booking %s: %s", id, err.Error()))
		return nil, err
	}

	l.log.LogDatabase("SUCCESS", "postgres", fmt.Sprintf("Booking %s is now %s", id, result.Status))
	return result, nil
}

func (l *PostgresLedger) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return l.getOne(ctx, "b.id = ?", id)
}

func (l *PostgresLedger) GetBookingByReference(ctx context.Context, reference string) (*models.Booking, error) {
	return l.getOne(ctx, "b.reference = ?", reference)
}

func (l *PostgresLedger) getOne(ctx context.Context, cond, value string) (*models.Booking, error) {
	var rec bookingRecord
	if err := l.bun.NewSelect().Model(&rec).Where(cond, value).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyPostgresError(err)
	}
	return rec.toModel()
}

func (l *PostgresLedger) ActiveBookings(ctx context.Context, resourceID, date string) ([]*models.Booking, error) {
	var recs []bookingRecord
	err := l.bun.NewSelect().Model(&recs).
		Where("b.resource_id = ?", resourceID).
		Where("b.booking_date = ?", date).
		Where("b.status IN (?)", bun.In(activeStatusNames)).
		Order("b.start_minute", "b.id").
		Scan(ctx)
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	return recordsToModels(recs)
}

func (l *PostgresLedger) ListBookings(ctx context.Context, filter models.BookingFilter) ([]*models.Booking, int, error) {
	filter = filter.Normalize()

	var recs []bookingRecord
	q := l.bun.NewSelect().Model(&recs)
	if filter.UserID != "" {
		q = q.Where("b.user_id = ?", filter.UserID)
	}
	if filter.ResourceID != "" {
		q = q.Where("b.resource_id = ?", filter.ResourceID)
	}
	if filter.DateTo == "" {
		if filter.Date != "" {
			q = q.Where("b.booking_date = ?", filter.Date)
		}
	} else {
		if filter.Date != "" {
			q = q.Where("b.booking_date >= ?", filter.Date)
		}
		q = q.Where("b.booking_date <= ?", filter.DateTo)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("b.status IN (?)", bun.In(statuses))
	}

	total, err := q.Count(ctx)
	if err != nil {
		return nil, 0, classifyPostgresError(err)
	}
	err = q.Order("b.booking_date", "b.start_minute", "b.id").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Scan(ctx)
	if err != nil {
		return nil, 0, classifyPostgresError(err)
	}

	out, err := recordsToModels(recs)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (l *PostgresLedger) Close() error {
	l.log.LogDatabase("CLOSE", "postgres", "Closing PostgreSQL connection")
	return l.sqlDB.Close()
}

func (l *PostgresLedger) HealthCheck(ctx context.Context) error {
	return l.sqlDB.PingContext(ctx)
}

func classifyPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == "uq_bookings_reference" {
				return ErrDuplicateReference
			}
		case pgExclusionViolation:
			return ErrSlotConflict
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

type pgRetryClassifier struct{}

func (pgRetryClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return retrier.Retry
	}
	return retrier.Fail
}

// PostgresCatalog reads resources and add-ons through bun.
type PostgresCatalog struct {
	gorm *gorm.DB
	bun  *bun.DB
}

func NewPostgresCatalog(ledger *PostgresLedger) *PostgresCatalog {
	return &PostgresCatalog{gorm: ledger.gorm, bun: ledger.bun}
}

func (c *PostgresCatalog) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	var r resourceRecord
	if err := c.bun.NewSelect().Model(&r).Where("r.id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyPostgresError(err)
	}
	return r.toModel(), nil
}

func (c *PostgresCatalog) GetAddOn(ctx context.Context, id string) (*models.AddOn, error) {
	var a addOnRecord
	if err := c.bun.NewSelect().Model(&a).Where("a.id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyPostgresError(err)
	}
	return a.toModel(), nil
}

func (c *PostgresCatalog) UpsertResource(ctx context.Context, r models.Resource) error {
	rec := resourceRecord{ID: r.ID, Name: r.Name, Capacity: r.Capacity, HourlyRate: int64(r.HourlyRate), Active: r.Active}
	return c.gorm.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

func (c *PostgresCatalog) UpsertAddOn(ctx context.Context, a models.AddOn) error {
	rec := addOnRecord{ID: a.ID, Name: a.Name, UnitPrice: int64(a.UnitPrice), Active: a.Active}
	return c.gorm.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

// gormLogger routes gorm's statement log into the service logger.
type gormLogger struct {
	log *logger.Logger
}

func (g gormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return g }

func (g gormLogger) Info(_ context.Context, msg string, args ...any) {
	g.log.Debug("DATABASE", fmt.Sprintf(msg, args...))
}

func (g gormLogger) Warn(_ context.Context, msg string, args ...any) {
	g.log.Warn("DATABASE", fmt.Sprintf(msg, args...))
}

func (g gormLogger) Error(_ context.Context, msg string, args ...any) {
	g.log.Error("DATABASE", fmt.Sprintf(msg, args...))
}

func (g gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	query, rows := fc()
	elapsed := time.Since(begin)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		g.log.LogDatabase("ERROR", "postgres", fmt.Sprintf("%s (%s): %v", query, elapsed, err))
		return
	}
	g.log.LogDatabase("EXEC", "postgres", fmt.Sprintf("%s (%d rows, %s)", query, rows, elapsed))
}

type bunLogHook struct {
	log *logger.Logger
}

func (h bunLogHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context { return ctx }

func (h bunLogHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	elapsed := time.Since(event.StartTime)
	if event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows) {
		h.log.LogDatabase("ERROR", "postgres", fmt.Sprintf("%s (%s): %v", event.Query, elapsed, event.Err))
		return
	}
	h.log.LogDatabase(event.Operation(), "postgres", fmt.Sprintf("%s (%s)", event.Query, elapsed))
}
