// Package db owns the embedded SQLite database: connection setup, write-ahead
// logging, schema migrations, and the GORM models shared by every component.
// The daemon is the exclusive writer; the connection pool is pinned to a
// single connection so all writes serialize through one path. Migrations are
// embedded in the binary and applied automatically on open via golang-migrate.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	// modernc pure-Go SQLite driver — no CGO required.
	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the settings required to open the store.
type Config struct {
	// Path is the database file path, or ":memory:" for tests.
	Path   string
	Logger *zap.Logger
}

// Open opens the database file, enables WAL and a busy timeout, applies
// pending migrations, and returns the ready-to-use *gorm.DB.
func Open(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("db: logger is required")
	}

	// Open via database/sql with the modernc driver (registered as "sqlite"),
	// then hand the existing *sql.DB to GORM so it does not open a second
	// connection with go-sqlite3.
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: failed to open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time; a single connection also
	// makes :memory: databases behave (each connection would get its own).
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: newGormZap(cfg.Logger),
	})
	if err != nil {
		return nil, fmt.Errorf("db: failed to initialize gorm: %w", err)
	}

	if err := runMigrations(sqlDB, cfg.Logger); err != nil {
		return nil, fmt.Errorf("db: migrations failed: %w", err)
	}

	return database, nil
}

// Ping verifies that the database connection is still alive.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection.
func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Now returns the current time as milliseconds since epoch, UTC.
func Now() Millis {
	return time.Now().UTC().UnixMilli()
}

// runMigrations applies all pending up-migrations from the embedded SQL
// files. ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("database migrations applied successfully")
	return nil
}
