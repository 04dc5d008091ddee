package cli

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quizpath-engine/internal/config"
	"quizpath-engine/internal/domain"
)

// NewSyncCmd runs the full reconnect sequence: download missing claimed
// quizzes, diff-sync updates for the local library, drain the outbox.
func NewSyncCmd(configPath, userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync claimed quizzes, updates and pending mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			e, err := buildEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			result := map[string]any{}

			if *userID != "" {
				downloaded, err := e.claims.CheckAndDownloadClaimedQuizzes(ctx, *userID)
				if err != nil {
					return err
				}
				result["downloaded"] = downloaded
			}

			updates, err := e.claims.CheckForUpdates(ctx)
			if err != nil {
				return err
			}
			result["updates"] = updates

			drain, err := e.outbox.Drain(ctx)
			if err != nil && !errors.Is(err, domain.ErrDrainInProgress) {
				e.log.Warn("outbox drain failed", zap.Error(err))
			} else {
				result["outbox"] = drain
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}
