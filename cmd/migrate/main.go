// Package main provides the database migration tool.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	pgstore "github.com/shiplane/shiplane/internal/store/postgres"
	"github.com/shiplane/shiplane/pkg/config"
	"github.com/shiplane/shiplane/pkg/logger"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [up|down|status]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	log := logger.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		log.Error("failed to open database connection", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()

	switch command {
	case "up":
		err = pgstore.Migrate(ctx, db)
	case "down":
		err = pgstore.MigrateDown(ctx, db)
	case "status":
		err = pgstore.MigrationStatus(ctx, db)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		log.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	log.Info("migration complete", "command", command)
}
