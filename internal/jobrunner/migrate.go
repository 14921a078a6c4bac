package jobrunner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// EnsureRiverTables applies River's own internal migrations: its job
// and queue bookkeeping tables, separate from the tasks/jobs schema
// goose owns.
func EnsureRiverTables(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), &rivermigrate.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("jobrunner: creating river migrator: %w", err)
	}

	result, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{})
	if err != nil {
		return fmt.Errorf("jobrunner: running river migrations: %w", err)
	}

	if len(result.Versions) > 0 {
		logger.Info("jobrunner: river migrations applied", "versions", result.Versions)
	}
	return nil
}
