// Command migrate runs schema operations for the loom database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"loom/internal/config"
	"loom/internal/database"

	"gorm.io/gorm"
)

type command struct {
	help string
	run  func(ctx context.Context, db *gorm.DB, cfg *config.Config, args []string) error
}

var commands = map[string]command{
	"up":     {"apply pending SQL migrations", up},
	"auto":   {"run GORM auto-migration for every model", auto},
	"status": {"print applied and pending migrations", status},
	"verify": {"exit non-zero unless the schema is complete", verify},
	"down":   {"roll back one migration: down <version>", down},
}

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate <command> [args]")
		for _, name := range []string{"up", "auto", "status", "verify", "down"} {
			fmt.Fprintf(os.Stderr, "  %-7s %s\n", name, commands[name].help)
		}
	}
	flag.Parse()

	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	if err := cmd.run(context.Background(), db, cfg, flag.Args()[1:]); err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func up(ctx context.Context, db *gorm.DB, _ *config.Config, _ []string) error {
	if err := database.RunMigrations(ctx, db); err != nil {
		return err
	}
	log.Println("sql migrations applied")
	return nil
}

func auto(ctx context.Context, db *gorm.DB, cfg *config.Config, _ []string) error {
	cfg.DBSchemaMode = database.SchemaModeAuto
	if err := database.ApplySchema(ctx, db, cfg); err != nil {
		return err
	}
	log.Println("models auto-migrated")
	return nil
}

func status(ctx context.Context, db *gorm.DB, cfg *config.Config, _ []string) error {
	st, err := database.GetSchemaStatus(ctx, db, cfg)
	if err != nil {
		return err
	}
	log.Printf("mode=%s env=%s sql=%t auto=%t applied=%d pending=%d",
		st.Mode, st.Environment, st.WillRunSQL, st.WillRunAutoMigrate,
		len(st.AppliedVersions), len(st.PendingMigrations))
	for _, m := range st.PendingMigrations {
		log.Printf("pending %06d_%s", m.Version, m.Name)
	}
	for _, table := range st.MissingTables {
		log.Printf("missing table %s", table)
	}
	return nil
}

func verify(ctx context.Context, db *gorm.DB, cfg *config.Config, _ []string) error {
	st, err := database.GetSchemaStatus(ctx, db, cfg)
	if err != nil {
		return err
	}
	if len(st.PendingMigrations) > 0 || len(st.MissingTables) > 0 {
		return fmt.Errorf("%d pending migrations, missing tables %v", len(st.PendingMigrations), st.MissingTables)
	}
	log.Println("schema ready")
	return nil
}

func down(ctx context.Context, db *gorm.DB, _ *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one version")
	}
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", args[0], err)
	}
	if err := database.RollbackMigration(ctx, db, version); err != nil {
		return err
	}
	log.Printf("rolled back migration %06d", version)
	return nil
}
