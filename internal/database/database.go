// Package database opens the GORM connection and owns the schema.
package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/internal/config"
	"loom/internal/observability"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the Postgres database described by cfg and sizes its pool.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	db, err := open(postgres.Open(postgresDSN(cfg)), logger.Warn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := configurePool(db, cfg); err != nil {
		return nil, err
	}
	observability.GlobalLogger.Info("Database connected",
		"host", cfg.DBHost, "database", cfg.DBName, "sslmode", cfg.DBSSLMode)
	return db, nil
}

// OpenSQLite opens a SQLite database (":memory:" for tests and local runs)
// with every persistent model migrated.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := open(sqlite.Open(dsn), logger.Silent)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// each connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)

	if err := runAutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

func open(dialector gorm.Dialector, level logger.LogLevel) (*gorm.DB, error) {
	return gorm.Open(dialector, &gorm.Config{
		Logger:         NewGormLogger(level),
		TranslateError: true,
	})
}

// postgresDSN renders cfg as a libpq keyword/value string, quoting values
// that contain spaces or quotes.
func postgresDSN(cfg *config.Config) string {
	sslMode := cfg.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	pairs := []struct{ key, value string }{
		{"host", cfg.DBHost},
		{"port", cfg.DBPort},
		{"user", cfg.DBUser},
		{"password", cfg.DBPassword},
		{"dbname", cfg.DBName},
		{"sslmode", sslMode},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		parts = append(parts, p.key+"="+quoteDSNValue(p.value))
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func configurePool(db *gorm.DB, cfg *config.Config) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if n := cfg.DBMaxOpenConns; n > 0 {
		sqlDB.SetMaxOpenConns(n)
	}
	if n := cfg.DBMaxIdleConns; n > 0 {
		sqlDB.SetMaxIdleConns(n)
	}
	if m := cfg.DBConnMaxLifetimeMinutes; m > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(m) * time.Minute)
	}
	return nil
}

// IsUniqueViolation reports whether err came from a unique constraint, as
// translated by GORM or raised raw by Postgres.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
