package cli

import (
	"context"

	"github.com/spf13/cobra"

	"quizpath-engine/internal/config"
	"quizpath-engine/internal/infra/store"
	"quizpath-engine/pkg/logger"
)

// NewMigrateCmd applies the local store migrations.
func NewMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run local store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations(cmd.Context(), *configPath)
		},
	}
}

func runMigrations(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Server.Mode, cfg.Log.File)
	dsn := cfg.Store.DSN
	if dsn == "" {
		dsn = "file:quizpath.db"
	}
	localStore, err := store.Open(cfg.Store.Driver, dsn, log)
	if err != nil {
		return err
	}
	defer localStore.Close()

	if err := localStore.Migrate(ctx); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}
