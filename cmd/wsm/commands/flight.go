package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/engine"
)

func newFlightCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "flight",
		Aliases: []string{"flights"},
		Short:   "Inspect and recover flights",
		Long: `Inspect flights and resume the ones a crash interrupted.

A flight is one persisted run of a create, delete or clone workflow.
Its step log records every execution, retry and compensation.`,
	}

	cmd.AddCommand(newFlightListCommand())
	cmd.AddCommand(newFlightShowCommand())
	cmd.AddCommand(newFlightRecoverCommand())

	return cmd
}

func newFlightListCommand() *cobra.Command {
	var (
		statuses     []string
		workflowType string
		all          bool
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flights",
		Example: `  # List flights that need attention
  wsm flight list --status FATAL

  # List clone flights including sub-flights
  wsm flight list --type wsm.resource.clone --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.FlightFilter{
				WorkflowType: workflowType,
				TopLevelOnly: !all,
				Limit:        limit,
			}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, engine.FlightStatus(s))
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			flights, err := a.engine.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), flights)
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (RUNNING, SUCCESS, ERROR, FATAL)")
	cmd.Flags().StringVar(&workflowType, "type", "", "filter by workflow type (wsm.resource.create, wsm.resource.delete, wsm.resource.clone)")
	cmd.Flags().BoolVar(&all, "all", false, "include sub-flights")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of flights")

	return cmd
}

// flightView is a flight with its step log.
type flightView struct {
	Flight *engine.Flight      `json:"flight"`
	Events []*engine.StepEvent `json:"events,omitempty"`
}

func newFlightShowCommand() *cobra.Command {
	var withEvents bool

	cmd := &cobra.Command{
		Use:   "show <flight-id>",
		Short: "Show a flight and its step log",
		Args:  cobra.ExactArgs(1),
		Example: `  wsm flight show clone-0d9c6a4e-2f7e-4d8f-a3c1-6f1b2e9d4a70

  # Without the step log
  wsm flight show delete-raw-1 --events=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			f, err := a.engine.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			view := flightView{Flight: f}
			if withEvents {
				if view.Events, err = a.engine.Events(cmd.Context(), f.ID); err != nil {
					return err
				}
			}
			if err := printResult(cmd.OutOrStdout(), view); err != nil {
				return err
			}
			if f.ManualInterventionRequired() {
				log.Warn().Str("flight_id", f.ID).Msg("Compensation failed, manual intervention required")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withEvents, "events", true, "include the step log")

	return cmd
}

func newFlightRecoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Resume interrupted flights",
		Long: `Resume every flight left RUNNING by a process that stopped.

Each flight continues from its last checkpoint in the direction it was
going. The command waits for the resumed flights to finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			running, err := a.engine.List(cmd.Context(), engine.FlightFilter{
				Statuses:     []engine.FlightStatus{engine.FlightStatusRunning},
				TopLevelOnly: true,
			})
			if err != nil {
				return err
			}

			n, err := a.engine.Recover(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int("flights", n).Msg("Resumed interrupted flights")

			var results []*engine.Flight
			for _, f := range running {
				done, err := a.engine.Wait(cmd.Context(), f.ID)
				if err != nil {
					return fmt.Errorf("failed waiting for flight %s: %w", f.ID, err)
				}
				results = append(results, done)
			}
			return printResult(cmd.OutOrStdout(), results)
		},
	}

	return cmd
}
