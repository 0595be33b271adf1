package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/resource"
	"github.com/openfroyo/wsm/pkg/service"
)

func newCloneCommand() *cobra.Command {
	var (
		source        string
		destWorkspace string
		destID        string
		name          string
		description   string
		instructions  string
		bucketName    string
		datasetID     string
		jobID         string
		async         bool
	)

	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Clone a resource into a workspace",
		Long: `Clone a bucket or dataset into another workspace.

The cloning instructions decide what the clone gets:
  - COPY_NOTHING: nothing is cloned
  - COPY_REFERENCE: a referenced resource pointing at the source object
  - COPY_DEFINITION: a new empty bucket or dataset with the same settings
  - COPY_RESOURCE: a new bucket or dataset with the source data copied in

Instructions default to those recorded on the source. The clone is checked
against the admission policies before anything is created.`,
		Example: `  # Clone with the source's instructions
  wsm clone --source $SRC_WS/$RES --dest-workspace $DEST_WS --name raw-copy

  # Copy only the definition, under an explicit bucket name
  wsm clone --source $SRC_WS/$RES --dest-workspace $DEST_WS --name raw-empty \
    --instructions COPY_DEFINITION --bucket-name raw-empty-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			srcWs, srcID, err := parseRef(source)
			if err != nil {
				return err
			}
			destWs, err := uuid.Parse(destWorkspace)
			if err != nil {
				return fmt.Errorf("invalid destination workspace id: %w", err)
			}
			dest, err := parseOptionalID("destination resource id", destID)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			req := service.CloneRequest{
				SourceWorkspaceID:      srcWs,
				SourceResourceID:       srcID,
				DestinationWorkspaceID: destWs,
				DestinationResourceID:  dest,
				Name:                   name,
				Description:            description,
				Instructions:           resource.CloningInstructions(instructions),
				BucketName:             bucketName,
				DatasetID:              datasetID,
				JobID:                  jobID,
			}

			log.Info().
				Str("source", source).
				Str("destination_workspace_id", destWs.String()).
				Str("instructions", instructions).
				Msg("Cloning resource")

			if async {
				flightID, err := a.service.StartClone(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), map[string]string{"flight_id": flightID})
			}

			res, err := a.service.Clone(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return res.Err()
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "source resource as <workspace>/<resource>")
	cmd.Flags().StringVar(&destWorkspace, "dest-workspace", "", "destination workspace id")
	cmd.Flags().StringVar(&destID, "dest-id", "", "destination resource id (generated when empty)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "destination resource name")
	cmd.Flags().StringVar(&description, "description", "", "destination resource description")
	cmd.Flags().StringVar(&instructions, "instructions", "", "cloning instructions (defaults to the source's)")
	cmd.Flags().StringVar(&bucketName, "bucket-name", "", "destination bucket name")
	cmd.Flags().StringVar(&datasetID, "dataset-id", "", "destination dataset id")
	cmd.Flags().StringVar(&jobID, "job-id", "", "flight id (derived from the destination id when empty)")
	cmd.Flags().BoolVar(&async, "async", false, "return after starting the flight")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("dest-workspace")

	return cmd
}
