package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"quizpath-engine/internal/config"
	"quizpath-engine/internal/domain"
)

// NewClaimCmd redeems a quiz code from the command line.
func NewClaimCmd(configPath, userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <code>",
		Short: "Redeem a quiz code and download its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if *userID == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			e, err := buildEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			outcome, err := e.claims.ClaimQuiz(cmd.Context(), *userID, args[0])
			switch {
			case errors.Is(err, domain.ErrAlreadyClaimedLocally),
				errors.Is(err, domain.ErrAlreadyInLibrary):
				fmt.Fprintf(cmd.OutOrStdout(), "quiz %s is already in your library\n", outcome.QuizID)
				return nil
			case err != nil:
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(outcome)
		},
	}
}
