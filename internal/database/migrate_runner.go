package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"loom/internal/observability"

	"gorm.io/gorm"
)

// migrationLockKey serializes migration runs of every replica sharing a
// Postgres database.
const migrationLockKey int64 = 0x6c6f6f6d

// MigrationStore tracks which SQL migrations have been applied.
type MigrationStore interface {
	GetAppliedMigrations(ctx context.Context) ([]int, error)
	ApplyMigration(ctx context.Context, version int, name, sql string) error
	RemoveMigration(ctx context.Context, version int) error
}

type migrationStore struct {
	db *gorm.DB
}

// MigrationLog is one applied migration.
type MigrationLog struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false"`
	Name      string    `gorm:"size:255;not null"`
	AppliedAt time.Time `gorm:"autoCreateTime;index"`
}

// TableName returns the database table name for MigrationLog.
func (MigrationLog) TableName() string {
	return "migration_logs"
}

// NewMigrationStore creates a MigrationStore on db. Pass a transaction to
// make its writes part of it.
func NewMigrationStore(db *gorm.DB) MigrationStore {
	return &migrationStore{db: db}
}

func (s *migrationStore) GetAppliedMigrations(ctx context.Context) ([]int, error) {
	var versions []int
	err := s.db.WithContext(ctx).Model(&MigrationLog{}).Order("version ASC").Pluck("version", &versions).Error
	switch {
	case err == nil:
		return versions, nil
	case errors.Is(err, gorm.ErrRecordNotFound) || isMissingTableError(err):
		return []int{}, nil
	default:
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
}

func isMissingTableError(err error) bool {
	msg := err.Error()
	return (strings.Contains(msg, "relation") && strings.Contains(msg, "does not exist")) ||
		strings.Contains(msg, "no such table")
}

func (s *migrationStore) ApplyMigration(ctx context.Context, version int, name, sql string) error {
	db := s.db.WithContext(ctx)
	if err := db.Exec(sql).Error; err != nil {
		return fmt.Errorf("failed to apply migration %06d_%s: %w", version, name, err)
	}
	if err := db.Create(&MigrationLog{Version: version, Name: name}).Error; err != nil {
		return fmt.Errorf("failed to record migration %06d: %w", version, err)
	}
	return nil
}

func (s *migrationStore) RemoveMigration(ctx context.Context, version int) error {
	if err := s.db.WithContext(ctx).Where("version = ?", version).Delete(&MigrationLog{}).Error; err != nil {
		return fmt.Errorf("failed to remove migration record %06d: %w", version, err)
	}
	return nil
}

// lockMigrations takes the transaction-scoped advisory lock on Postgres.
// Other dialects run single-process and need none.
func lockMigrations(tx *gorm.DB) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", migrationLockKey).Error
}

// RunMigrations applies every pending migration in one transaction. Replicas
// starting together queue on the advisory lock and find nothing left to do.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&MigrationLog{}); err != nil {
		return fmt.Errorf("failed to ensure migration logs table: %w", err)
	}

	var applied []Migration
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockMigrations(tx); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		store := NewMigrationStore(tx)
		done, err := store.GetAppliedMigrations(ctx)
		if err != nil {
			return err
		}
		if err := validateAppliedVersions(done, migrations); err != nil {
			return err
		}
		for _, m := range migrations {
			if slices.Contains(done, m.Version) {
				continue
			}
			observability.GlobalLogger.Info("Applying migration", slog.Int("version", m.Version), slog.String("name", m.Name))
			if err := store.ApplyMigration(ctx, m.Version, m.Name, m.UpScript); err != nil {
				return err
			}
			applied = append(applied, m)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		observability.GlobalLogger.Debug("Schema up to date", slog.Int("migrations", len(migrations)))
	}
	for _, m := range applied {
		observability.GlobalLogger.Info("Migration applied", slog.Int("version", m.Version), slog.String("name", m.Name))
	}
	return nil
}

// validateAppliedVersions rejects a database migrated by newer code.
func validateAppliedVersions(applied []int, registered []Migration) error {
	var unknown []string
	for _, version := range applied {
		if !slices.ContainsFunc(registered, func(m Migration) bool { return m.Version == version }) {
			unknown = append(unknown, fmt.Sprintf("%06d", version))
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	slices.Sort(unknown)
	return fmt.Errorf("migration_logs contains unknown versions not present in code: %s", strings.Join(unknown, ", "))
}

// RollbackMigration runs the down script of an applied migration and forgets
// it, atomically.
func RollbackMigration(ctx context.Context, db *gorm.DB, version int) error {
	m := GetMigrationByVersion(version)
	if m == nil {
		return fmt.Errorf("migration version %d not found", version)
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockMigrations(tx); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		store := NewMigrationStore(tx)
		done, err := store.GetAppliedMigrations(ctx)
		if err != nil {
			return err
		}
		if !slices.Contains(done, version) {
			return fmt.Errorf("migration %d has not been applied", version)
		}
		observability.GlobalLogger.Info("Rolling back migration", slog.Int("version", version), slog.String("name", m.Name))
		if err := tx.Exec(m.DownScript).Error; err != nil {
			return fmt.Errorf("failed to run rollback SQL for migration %06d_%s: %w", version, m.Name, err)
		}
		return store.RemoveMigration(ctx, version)
	})
	if err != nil {
		return err
	}
	observability.GlobalLogger.Info("Migration rolled back", slog.Int("version", version))
	return nil
}
