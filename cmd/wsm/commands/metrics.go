package commands

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/telemetry"
)

func newMetricsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Prometheus metrics",
	}

	cmd.AddCommand(newMetricsServeCommand())

	return cmd
}

func newMetricsServeCommand() *cobra.Command {
	var (
		listen string
		resume bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics until interrupted",
		Long: `Expose flight, step, poll and state conflict metrics over HTTP.

With --recover the process first resumes interrupted flights, so their
progress shows up in the metrics it serves.`,
		Example: `  wsm metrics serve --listen :9090 --recover`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tel.Metrics.Registry() == nil {
				return errors.New("metrics are disabled (telemetry.metrics.enabled)")
			}
			ctx := cmd.Context()

			if resume {
				a, err := openApp(ctx)
				if err != nil {
					return err
				}
				defer a.Close(ctx)

				n, err := a.engine.Recover(ctx)
				if err != nil {
					return err
				}
				log.Info().Int("flights", n).Msg("Resumed interrupted flights")
			}

			return tel.Metrics.Serve(ctx, listen, telemetry.Component(tel.Logger, "metrics"))
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides telemetry.metrics.listen_address)")
	cmd.Flags().BoolVar(&resume, "recover", false, "resume interrupted flights while serving")

	return cmd
}
