package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/regwatch-io/regwatch/internal/config"
	"github.com/regwatch-io/regwatch/pkg/database"
	"github.com/regwatch-io/regwatch/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Regwatch database migration tool.\n\n")
		fmt.Fprintf(os.Stderr, "Creates or updates the regwatch schema in PostgreSQL.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "regwatch-migrate",
		Level: hclog.Info,
	})

	var cfg *config.Config
	var err error
	if *configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
	}

	db, err := database.Connect(*cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	logger.Info("running migrations")
	if err := db.AutoMigrate(models.ModelsToAutoMigrate()...); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	logger.Info("all migrations completed successfully")
}
