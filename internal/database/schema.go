package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"loom/internal/config"
	"loom/internal/observability"

	"gorm.io/gorm"
)

// Schema modes selected by DB_SCHEMA_MODE.
const (
	SchemaModeHybrid = "hybrid"
	SchemaModeSQL    = "sql"
	SchemaModeAuto   = "auto"
)

// schemaPlan is what ApplySchema does for one mode and environment.
type schemaPlan struct {
	mode    string
	sql     bool
	auto    bool
	release bool
}

// SchemaStatus reports what ApplySchema would do, which migrations are
// pending and which tables the delivery core needs but cannot find.
type SchemaStatus struct {
	Mode               string
	Environment        string
	WillRunSQL         bool
	WillRunAutoMigrate bool
	AppliedVersions    []int
	PendingMigrations  []Migration
	MissingTables      []string
}

// releaseEnv reports environments whose schema only changes through
// reviewed SQL migrations.
func releaseEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod", "staging", "stage":
		return true
	}
	return false
}

func planSchema(cfg *config.Config) (schemaPlan, error) {
	p := schemaPlan{
		mode:    strings.ToLower(strings.TrimSpace(cfg.DBSchemaMode)),
		release: releaseEnv(cfg.Env),
	}
	if p.mode == "" {
		p.mode = SchemaModeHybrid
	}

	switch p.mode {
	case SchemaModeSQL:
		p.sql = true
	case SchemaModeAuto:
		if p.release && !cfg.DBAutoMigrateAllowDestructive {
			return p, fmt.Errorf("refusing DB_SCHEMA_MODE=auto in %q without DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE=true", cfg.Env)
		}
		p.auto = true
	case SchemaModeHybrid:
		// AutoMigrate only fills gaps the SQL files leave during development
		p.sql = true
		p.auto = !p.release
	default:
		return p, fmt.Errorf("unsupported DB_SCHEMA_MODE %q", p.mode)
	}
	return p, nil
}

func runAutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(PersistentModels()...)
}

// missingTables lists the persistent models whose table does not exist.
func missingTables(db *gorm.DB) ([]string, error) {
	var missing []string
	for _, m := range PersistentModels() {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(m); err != nil {
			return nil, fmt.Errorf("parse model %T: %w", m, err)
		}
		if !db.Migrator().HasTable(stmt.Schema.Table) {
			missing = append(missing, stmt.Schema.Table)
		}
	}
	return missing, nil
}

// ApplySchema brings the database up to date according to DB_SCHEMA_MODE and
// fails if a table of the delivery core is still missing afterwards.
func ApplySchema(ctx context.Context, db *gorm.DB, cfg *config.Config) error {
	plan, err := planSchema(cfg)
	if err != nil {
		return err
	}

	if plan.sql {
		if err := RunMigrations(ctx, db); err != nil {
			return fmt.Errorf("run sql migrations: %w", err)
		}
	}
	if plan.auto {
		if plan.mode == SchemaModeAuto && cfg.DBAutoMigrateAllowDestructive {
			observability.GlobalLogger.Warn("DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE=true set for DB_SCHEMA_MODE=auto; review schema diffs before production deployment")
		}
		observability.GlobalLogger.Info("Running GORM AutoMigrate", slog.String("mode", plan.mode), slog.String("env", cfg.Env))
		if err := runAutoMigrate(db.WithContext(ctx)); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
	}

	missing, err := missingTables(db.WithContext(ctx))
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema incomplete after %s apply, missing tables: %s", plan.mode, strings.Join(missing, ", "))
	}
	return nil
}

// GetSchemaStatus describes the schema plan without changing anything.
func GetSchemaStatus(ctx context.Context, db *gorm.DB, cfg *config.Config) (*SchemaStatus, error) {
	plan, err := planSchema(cfg)
	if err != nil {
		return nil, err
	}
	status := &SchemaStatus{
		Mode:               plan.mode,
		Environment:        cfg.Env,
		WillRunSQL:         plan.sql,
		WillRunAutoMigrate: plan.auto,
	}

	if status.MissingTables, err = missingTables(db.WithContext(ctx)); err != nil {
		return nil, err
	}
	if !plan.sql {
		return status, nil
	}

	applied, err := NewMigrationStore(db).GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	status.AppliedVersions = applied
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}
	for _, m := range GetMigrations() {
		if !done[m.Version] {
			status.PendingMigrations = append(status.PendingMigrations, m)
		}
	}
	return status, nil
}
