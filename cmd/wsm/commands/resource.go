package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openfroyo/wsm/pkg/resource"
	"github.com/openfroyo/wsm/pkg/service"
	"github.com/openfroyo/wsm/pkg/stores"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"resources", "res"},
		Short:   "Manage workspace resources",
		Long: `Create, inspect and delete the resources of a workspace.

Controlled resources are created and deleted in the cloud by WSM.
Referenced resources point at cloud objects WSM does not own; deleting
them only removes the record.`,
	}

	cmd.AddCommand(newResourceListCommand())
	cmd.AddCommand(newResourceGetCommand())
	cmd.AddCommand(newResourceCreateCommand())
	cmd.AddCommand(newResourceRegisterCommand())
	cmd.AddCommand(newResourceDeleteCommand())

	return cmd
}

func newResourceListCommand() *cobra.Command {
	var (
		workspace string
		kind      string
		state     string
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the resources of a workspace",
		Example: `  # List every resource of a workspace
  wsm resource list --workspace 5b0c3c52-4c0e-4b8e-9a4b-1f0a3d7e6c21

  # List buckets that are stuck deleting
  wsm resource list --workspace 5b0c3c52-4c0e-4b8e-9a4b-1f0a3d7e6c21 --kind bucket --state DELETING`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := uuid.Parse(workspace)
			if err != nil {
				return fmt.Errorf("invalid workspace id: %w", err)
			}
			opts := stores.ListOptions{
				State:  resource.State(state),
				Limit:  limit,
				Offset: offset,
			}
			if kind != "" {
				if opts.Kind, err = parseKind(kind); err != nil {
					return err
				}
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			list, err := a.service.List(cmd.Context(), ws, opts)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (bucket, dataset, instance)")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (CREATING, READY, DELETING, BROKEN)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of resources")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of resources to skip")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

func newResourceGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "get <workspace>/<resource>",
		Short:   "Show a resource",
		Args:    cobra.ExactArgs(1),
		Example: `  wsm resource get 5b0c3c52-4c0e-4b8e-9a4b-1f0a3d7e6c21/0d9c6a4e-2f7e-4d8f-a3c1-6f1b2e9d4a70`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, id, err := parseRef(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			r, err := a.service.Get(cmd.Context(), ws, id)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), r)
		},
	}

	return cmd
}

// attributeFlags collects the cloud attributes of every resource kind.
type attributeFlags struct {
	kind         string
	bucketName   string
	location     string
	storageClass string
	project      string
	datasetID    string
	zone         string
	instanceID   string
	machineType  string
}

func (f *attributeFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.kind, "kind", "bucket", "resource kind (bucket, dataset, instance)")
	fs.StringVar(&f.bucketName, "bucket-name", "", "bucket name")
	fs.StringVar(&f.location, "location", "", "bucket or dataset location")
	fs.StringVar(&f.storageClass, "storage-class", "", "bucket storage class")
	fs.StringVar(&f.project, "project", "", "project of a dataset or instance")
	fs.StringVar(&f.datasetID, "dataset-id", "", "dataset id")
	fs.StringVar(&f.zone, "zone", "", "instance zone")
	fs.StringVar(&f.instanceID, "instance-id", "", "instance id")
	fs.StringVar(&f.machineType, "machine-type", "", "instance machine type")
}

func (f *attributeFlags) attributes() (resource.Attributes, error) {
	kind, err := parseKind(f.kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case resource.KindBucket:
		return resource.BucketAttributes{
			BucketName:   f.bucketName,
			Location:     f.location,
			StorageClass: f.storageClass,
		}, nil
	case resource.KindDataset:
		return resource.DatasetAttributes{
			ProjectID: f.project,
			DatasetID: f.datasetID,
			Location:  f.location,
		}, nil
	default:
		return resource.InstanceAttributes{
			ProjectID:   f.project,
			Zone:        f.zone,
			InstanceID:  f.instanceID,
			MachineType: f.machineType,
		}, nil
	}
}

func parseKind(kind string) (resource.Kind, error) {
	switch kind {
	case "bucket", string(resource.KindBucket):
		return resource.KindBucket, nil
	case "dataset", string(resource.KindDataset):
		return resource.KindDataset, nil
	case "instance", string(resource.KindInstance):
		return resource.KindInstance, nil
	default:
		return "", fmt.Errorf("unknown resource kind %q (must be bucket, dataset or instance)", kind)
	}
}

func newResourceCreateCommand() *cobra.Command {
	var (
		workspace    string
		resourceID   string
		name         string
		description  string
		instructions string
		attrs        attributeFlags
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a controlled resource",
		Long: `Create a controlled resource and its cloud object.

The create flight is named after the resource id, so running the command
again with the same --id resumes the first attempt instead of starting
another one.`,
		Example: `  # Create a bucket
  wsm resource create --workspace $WS --name raw --bucket-name raw-data-1

  # Create a dataset that clones copy in full
  wsm resource create --workspace $WS --name events --kind dataset \
    --project analysis-1 --dataset-id events --instructions COPY_RESOURCE`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := uuid.Parse(workspace)
			if err != nil {
				return fmt.Errorf("invalid workspace id: %w", err)
			}
			id, err := parseOptionalID("resource id", resourceID)
			if err != nil {
				return err
			}
			attributes, err := attrs.attributes()
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			log.Info().Str("workspace_id", ws.String()).Str("name", name).Str("kind", attrs.kind).Msg("Creating resource")

			res, err := a.service.CreateControlled(cmd.Context(), service.CreateRequest{
				WorkspaceID:         ws,
				ResourceID:          id,
				Name:                name,
				Description:         description,
				CloningInstructions: resource.CloningInstructions(instructions),
				Attributes:          attributes,
			})
			if err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return res.Err()
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id")
	cmd.Flags().StringVar(&resourceID, "id", "", "resource id (generated when empty)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "resource name, unique in the workspace")
	cmd.Flags().StringVar(&description, "description", "", "resource description")
	cmd.Flags().StringVar(&instructions, "instructions", "", "cloning instructions (COPY_NOTHING, COPY_DEFINITION, COPY_RESOURCE, COPY_REFERENCE)")
	attrs.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newResourceRegisterCommand() *cobra.Command {
	var (
		workspace    string
		resourceID   string
		name         string
		description  string
		instructions string
		attrs        attributeFlags
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a referenced resource",
		Long: `Record a reference to a cloud object that already exists.

Nothing is created in the cloud, and deleting the resource later leaves
the object in place.`,
		Example: `  wsm resource register --workspace $WS --name shared --kind dataset \
    --project public-data --dataset-id census`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := uuid.Parse(workspace)
			if err != nil {
				return fmt.Errorf("invalid workspace id: %w", err)
			}
			id, err := parseOptionalID("resource id", resourceID)
			if err != nil {
				return err
			}
			attributes, err := attrs.attributes()
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			r, err := a.service.RegisterReferenced(cmd.Context(), service.RegisterRequest{
				WorkspaceID:         ws,
				ResourceID:          id,
				Name:                name,
				Description:         description,
				CloningInstructions: resource.CloningInstructions(instructions),
				Attributes:          attributes,
			})
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), r)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id")
	cmd.Flags().StringVar(&resourceID, "id", "", "resource id (generated when empty)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "resource name, unique in the workspace")
	cmd.Flags().StringVar(&description, "description", "", "resource description")
	cmd.Flags().StringVar(&instructions, "instructions", "", "cloning instructions (COPY_NOTHING, COPY_REFERENCE)")
	attrs.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newResourceDeleteCommand() *cobra.Command {
	var (
		jobID string
		async bool
	)

	cmd := &cobra.Command{
		Use:   "delete <workspace>/<resource>",
		Short: "Delete a resource",
		Long: `Delete a resource and, for controlled resources, its cloud object.

With --async the command prints the flight id and returns as soon as the
flight is recorded. A flight cut short by the exit is finished by
"wsm flight recover"; follow it with "wsm flight show".`,
		Args: cobra.ExactArgs(1),
		Example: `  # Delete and wait
  wsm resource delete $WS/$RES

  # Start the delete under a known flight id
  wsm resource delete $WS/$RES --job-id delete-raw-1 --async`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, id, err := parseRef(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			req := service.DeleteRequest{WorkspaceID: ws, ResourceID: id, JobID: jobID}
			if async {
				flightID, err := a.service.StartDelete(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), map[string]string{"flight_id": flightID})
			}

			res, err := a.service.Delete(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return res.Err()
		},
	}

	cmd.Flags().StringVar(&jobID, "job-id", "", "flight id (generated when empty)")
	cmd.Flags().BoolVar(&async, "async", false, "return after starting the flight")

	return cmd
}
