package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"passage.org/internal/config"
	"passage.org/internal/migrate"
	"passage.org/internal/obs"
	"passage.org/internal/store/pg"
)

func main() {
	var (
		dsn       = pflag.String("dsn", os.Getenv(config.EnvPostgresDSN), "PostgreSQL DSN")
		seedsPath = pflag.String("seeds", "ops/seeds", "directory of SQL seed files")
		timeout   = pflag.Duration("timeout", 30*time.Second, "overall deadline")
	)
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|seed|status")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	log := obs.Logger()
	if *dsn == "" {
		log.Fatal().Msgf("missing DSN: provide via --dsn or %s", config.EnvPostgresDSN)
	}
	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(db, pg.Migrations(), seeds)

	cmd := pflag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var all []migrate.Migration
		all, err = mgr.Status(ctx)
		for _, m := range all {
			state := "pending"
			if m.Applied {
				state = "applied"
			}
			fmt.Printf("%-8s %s\n", state, m.Name)
		}
	default:
		pflag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
	log.Info().Str("command", cmd).Msg("migrate done")
}
