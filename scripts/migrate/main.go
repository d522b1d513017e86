// Command migrate creates or updates the reservation schema and optionally
// seeds the resource catalog.
//
//	go run ./scripts/migrate -env dev -seed catalog.toml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"table-reservations/internal/config"
	"table-reservations/internal/logger"
	"table-reservations/internal/storage"
)

func main() {
	envFlag := flag.String("env", "dev", "Environment (dev, test, prod)")
	envFileFlag := flag.String("env-file", "", "Path to .env file")
	seedFlag := flag.String("seed", "", "Optional TOML catalog seed file")
	flag.Parse()

	log := logger.NewLogger()
	defer log.Close()

	loadEnv(log, *envFlag, *envFileFlag)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var (
		ledger  storage.Ledger
		catalog storage.CatalogWriter
	)
	switch cfg.Database.Driver {
	case config.DriverMySQL:
		l, err := storage.NewMySQLLedger(cfg.Database, log)
		if err != nil {
			log.Fatal("MIGRATE", err.Error())
		}
		ledger, catalog = l, storage.NewMySQLCatalog(l)
	case config.DriverPostgres:
		l, err := storage.NewPostgresLedger(cfg.Postgres, log)
		if err != nil {
			log.Fatal("MIGRATE", err.Error())
		}
		ledger, catalog = l, storage.NewPostgresCatalog(l)
	default:
		log.Fatal("MIGRATE", fmt.Sprintf("DB_DRIVER %q has no schema to migrate", cfg.Database.Driver))
	}
	defer ledger.Close()
	log.Info("MIGRATE", "Schema is up to date")

	seedFile := *seedFlag
	if seedFile == "" {
		seedFile = cfg.Database.SeedFile
	}
	if seedFile == "" {
		return
	}
	seed, err := storage.LoadSeedFile(seedFile)
	if err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
	if err := seed.Apply(ctx, catalog, log); err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
}

// loadEnv prefers an explicit file, then .env.<env>, then .env.
func loadEnv(log *logger.Logger, env, envFile string) {
	candidates := []string{fmt.Sprintf(".env.%s", env), ".env"}
	if envFile != "" {
		candidates = append([]string{envFile}, candidates...)
	}
	for _, f := range candidates {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err == nil {
			log.Info("ENV", "Loaded environment from "+f)
			return
		}
	}
	log.Info("ENV", "No .env file found, using system environment variables")
}
