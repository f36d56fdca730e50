package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"quiz-session-engine/internal/config"
	"quiz-session-engine/internal/infra/postgres"
)

// NewResultsCmd prints archived standings for a quiz as JSON.
func NewResultsCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "results <quiz-id>",
		Short: "Show archived results of finished sessions for a quiz",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResults(cmd.Context(), cmd.OutOrStdout(), *configPath, args[0], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of rows")
	return cmd
}

func printResults(ctx context.Context, out io.Writer, configPath, quizID string, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Postgres.URL == "" {
		return errNoPostgres
	}

	db := openBun(cfg.Postgres.URL)
	defer db.Close()

	rows, err := postgres.NewResultArchive(db).QuizHistory(ctx, quizID, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
