package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/openfroyo/wsm/pkg/config"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// Set by the root PersistentPreRunE
	cfg *config.Config
	tel *telemetry.Telemetry

	commandSpan trace.Span
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		// PersistentPostRunE only runs after a successful command.
		err = multierr.Append(err, finish(ctx, err))
	}
	return err
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wsm",
		Short: "WSM - Workspace Resource Manager",
		Long: `WSM manages the cloud resources of analysis workspaces.

Every create, delete and clone runs as a flight: a sequence of persisted
steps that resumes after a crash and undoes completed steps on failure.

Resources:
  - GCS buckets
  - BigQuery datasets
  - Compute instances`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setup(cmd.Context(), version); err != nil {
				return err
			}
			ctx, span := tel.Tracer.StartCommand(cmd.Context(), cmd.CommandPath())
			commandSpan = span
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return finish(cmd.Context(), nil)
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newCloneCommand())
	rootCmd.AddCommand(newFlightCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newMetricsCommand())

	return rootCmd
}

// finish ends the command span and flushes telemetry.
func finish(ctx context.Context, cmdErr error) error {
	if commandSpan != nil {
		telemetry.EndCommand(commandSpan, cmdErr)
		commandSpan = nil
	}
	if tel == nil {
		return nil
	}
	return tel.Shutdown(context.WithoutCancel(ctx))
}

// setup loads the configuration and replaces the bootstrap logger with the
// configured one.
func setup(ctx context.Context, version string) error {
	loader := config.NewLoader(configPath, log.Logger)
	loaded, err := loader.Load()
	if err != nil {
		return err
	}
	if verbose {
		loaded.Telemetry.Logging.Level = "debug"
	}
	if loaded.Telemetry.ServiceVersion == "dev" {
		loaded.Telemetry.ServiceVersion = version
	}

	t, err := telemetry.New(&loaded.Telemetry)
	if err != nil {
		return err
	}
	log.Logger = t.Logger
	cfg, tel = loaded, t

	err = loader.Watch(ctx, func(next *config.Config) {
		if verbose {
			return
		}
		if err := telemetry.SetGlobalLevel(next.Telemetry.Logging.Level); err != nil {
			log.Warn().Err(err).Msg("Ignoring log level change")
			return
		}
		log.Info().Str("level", next.Telemetry.Logging.Level).Msg("Log level changed")
	})
	if err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		return err
	}

	log.Debug().Str("config", loader.File()).Str("store", cfg.Store.Driver).Msg("Configuration loaded")
	return nil
}
