package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pairbot/internal/config"

	"github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// DB implements domain.BookingStore on top of database/sql.
type DB struct {
	db     *sql.DB
	driver string
	sb     squirrel.StatementBuilderType
	logger *zerolog.Logger
	now    func() time.Time
}

func NewDB(cfg config.DatabaseConfig, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		dsn         string
		placeholder squirrel.PlaceholderFormat
	)
	switch driver {
	case DriverSQLite:
		if cfg.Path != ":memory:" {
			// create the database directory if missing
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = cfg.Path + "?_busy_timeout=5000&_foreign_keys=on"
		placeholder = squirrel.Question
	case DriverPostgres:
		dsn = cfg.DSN
		placeholder = squirrel.Dollar
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// sqlite writes through one connection and :memory: lives only inside it
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("driver", driver).Msg("database initialized")

	return &DB{
		db:     sqlDB,
		driver: driver,
		sb:     squirrel.StatementBuilder.PlaceholderFormat(placeholder),
		logger: logger,
		now:    time.Now,
	}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS schedules (
            id TEXT PRIMARY KEY,
            start_time BIGINT NOT NULL,
            end_time BIGINT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS bookings (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL DEFAULT 'PENDING',
            schedule_id TEXT NOT NULL REFERENCES schedules(id),
            customer_id TEXT NOT NULL DEFAULT '',
            customer_name TEXT NOT NULL DEFAULT '',
            customer_ref TEXT NOT NULL DEFAULT '',
            partner_id TEXT NOT NULL DEFAULT '',
            partner_name TEXT NOT NULL DEFAULT '',
            partner_ref TEXT NOT NULL DEFAULT '',
            confirmed_at BIGINT NOT NULL DEFAULT 0,
            early_channel_created BOOLEAN NOT NULL DEFAULT FALSE,
            voice_channel_created BOOLEAN NOT NULL DEFAULT FALSE,
            extension_prompt_shown BOOLEAN NOT NULL DEFAULT FALSE,
            rating_completed BOOLEAN NOT NULL DEFAULT FALSE,
            text_channel_cleaned BOOLEAN NOT NULL DEFAULT FALSE,
            early_text_channel_ref TEXT,
            text_channel_ref TEXT,
            voice_channel_ref TEXT,
            is_instant_mode BOOLEAN NOT NULL DEFAULT FALSE,
            resource_open_delay_minutes INTEGER NOT NULL DEFAULT 0,
            created_at BIGINT NOT NULL DEFAULT 0,
            updated_at BIGINT NOT NULL DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS pairing_records (
            id TEXT PRIMARY KEY,
            booking_id TEXT NOT NULL UNIQUE REFERENCES bookings(id),
            requester_ref TEXT NOT NULL,
            provider_ref TEXT NOT NULL,
            duration_seconds BIGINT NOT NULL DEFAULT 0,
            extended_times INTEGER NOT NULL DEFAULT 0,
            rating INTEGER,
            comment TEXT,
            flushed BOOLEAN NOT NULL DEFAULT FALSE,
            created_at BIGINT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS ratings (
            id TEXT PRIMARY KEY,
            pairing_record_id TEXT NOT NULL REFERENCES pairing_records(id),
            participant_ref TEXT NOT NULL,
            rating INTEGER NOT NULL,
            comment TEXT,
            role TEXT NOT NULL,
            submitted_at BIGINT NOT NULL,
            UNIQUE (pairing_record_id, participant_ref)
        )`,

		`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_start ON schedules(start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_end ON schedules(end_time)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// exec runs a built statement and returns the number of affected rows.
func exec(ctx context.Context, e execer, b squirrel.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBuildQuery, err)
	}
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func nullable(ref string) any {
	if ref == "" {
		return nil
	}
	return ref
}
