package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/AngelP17/YieldOps/internal/config"
	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return resilience.Validationf("DATABASE_URL must be set to migrate")
		}
		err = resilience.Retry(cmd.Context(), func() (bool, error) {
			err := store.RunMigrations(cmd.Context(), cfg.DatabaseURL)
			return resilience.IsUnavailable(err), err
		})
		if err != nil {
			return err
		}
		log.Info().Msg("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
