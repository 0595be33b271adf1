package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply the embedded schema migrations to the configured store.

Every other command also migrates on startup; run this one on its own to
prepare a database before the first deployment.`,
		Example: `  # Migrate the SQLite database from the config file
  wsm migrate

  # Migrate a PostgreSQL database
  WSM_STORE_DRIVER=postgres WSM_STORE_DSN=postgres://wsm@db/wsm wsm migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.HealthCheck(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("driver", cfg.Store.Driver).Msg("Database migrated")
			return nil
		},
	}

	return cmd
}
