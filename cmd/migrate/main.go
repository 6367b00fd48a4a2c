// Package main applies or reverts the session metadata schema.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cory-johannsen/mudbridge/internal/config"
	"github.com/cory-johannsen/mudbridge/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (optional; environment variables override)")
	source := flag.String("source", "file://migrations", "golang-migrate source URL")
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	flag.Parse()

	v := config.NewViper()
	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			log.Fatalf("reading config: %v", err)
		}
	}
	// Only the database section matters here; the rest of the file may be
	// incomplete for a migration-only host.
	var dbCfg config.DatabaseConfig
	if err := v.UnmarshalKey("database", &dbCfg); err != nil {
		log.Fatalf("parsing database config: %v", err)
	}
	dsn := dbCfg.DSN()

	switch *direction {
	case "up":
		res, err := postgres.Migrate(dsn, *source, *steps)
		if err != nil {
			log.Fatalf("migration failed: %v", err)
		}
		report(res, "up", time.Since(start))
	case "down":
		if *steps == 0 {
			if err := postgres.Rollback(dsn, *source); err != nil {
				log.Fatalf("rollback failed: %v", err)
			}
			fmt.Fprintf(os.Stdout, "reverted all migrations [%s]\n", time.Since(start))
			return
		}
		res, err := postgres.Migrate(dsn, *source, -*steps)
		if err != nil {
			log.Fatalf("migration failed: %v", err)
		}
		report(res, "down", time.Since(start))
	default:
		log.Fatalf("invalid direction %q: must be 'up' or 'down'", *direction)
	}
}

func report(res postgres.MigrationResult, direction string, elapsed time.Duration) {
	if !res.Changed {
		fmt.Fprintf(os.Stdout, "no changes (version=%d dirty=%v) [%s]\n", res.Version, res.Dirty, elapsed)
		return
	}
	fmt.Fprintf(os.Stdout, "migrated %s to version=%d dirty=%v [%s]\n", direction, res.Version, res.Dirty, elapsed)
}
