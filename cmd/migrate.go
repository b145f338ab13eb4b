package cmd

import (
	"fmt"
	"log/slog"

	"github.com/implementos/agentd/db"
	"github.com/implementos/agentd/internal/config"
)

// runMigrate applies pending database migrations and exits. Useful in
// deploy pipelines that migrate before rolling the server.
func runMigrate() error {
	logger := initLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.UsesPostgres() {
		return fmt.Errorf("storage is %q; migrations need postgres", cfg.Storage)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}
