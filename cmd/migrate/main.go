package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"

	"realmkey.org/internal/config"
	"realmkey.org/internal/migrate"
)

func main() {
	var (
		dsn            = flag.String("dsn", os.Getenv(config.EnvPgDSN), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Path to SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "Path to SQL seeds (default: embedded)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatalf("missing DSN: provide via -dsn or %s", config.EnvPgDSN)
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var (
		fsys       fs.FS = migrate.Embedded
		migrations       = migrate.EmbeddedMigrations
		seeds            = migrate.EmbeddedSeeds
	)
	if *migrationsPath != "" || *seedsPath != "" {
		fsys = os.DirFS(".")
		migrations, seeds = *migrationsPath, *seedsPath
	}
	logger := log.StandardLogger()
	mgr := migrate.NewManager(db, fsys, migrations, seeds, migrate.WithLogger(logger))

	cmd := flag.Arg(0)
	switch cmd {
	case "up", "seed":
		run := mgr.Up
		if cmd == "seed" {
			run = mgr.Seed
		}
		var ran []string
		ran, err = run(ctx)
		if err == nil && len(ran) == 0 {
			logger.WithField("command", cmd).Info("nothing to apply")
		}
	case "down":
		_, err = mgr.Down(ctx)
	case "status":
		var status []migrate.Migration
		status, err = mgr.Status(ctx)
		for _, m := range status {
			if m.Applied() {
				fmt.Printf("applied  %s  %s\n", m.AppliedAt.UTC().Format(time.RFC3339), m.Name)
			} else {
				fmt.Printf("pending  %-20s  %s\n", "", m.Name)
			}
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
	logger.WithField("command", cmd).Info("migrate done")
}
