package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/resource"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect clone admission policies",
		Long: `Inspect the Rego policies that admit or deny clones.

Builtin policies are always loaded. Extra policies come from the files and
directories listed under policy.paths in the configuration.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	var showRego bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			policies := a.policy.ListPolicies()
			if !showRego {
				for i := range policies {
					policies[i].Rego = ""
				}
			}
			return printResult(cmd.OutOrStdout(), policies)
		},
	}

	cmd.Flags().BoolVar(&showRego, "rego", false, "include the policy source")

	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	var (
		source        string
		destWorkspace string
		name          string
		instructions  string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate clone admission without cloning",
		Long: `Evaluate the admission policies for a clone request and print the
decision. Nothing is created. The command fails when the clone is denied.`,
		Example: `  wsm policy check --source $SRC_WS/$RES --dest-workspace $DEST_WS \
    --name raw-copy --instructions COPY_RESOURCE`,
		RunE: func(cmd *cobra.Command, args []string) error {
			srcWs, srcID, err := parseRef(source)
			if err != nil {
				return err
			}
			destWs, err := uuid.Parse(destWorkspace)
			if err != nil {
				return fmt.Errorf("invalid destination workspace id: %w", err)
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			src, err := a.service.Get(cmd.Context(), srcWs, srcID)
			if err != nil {
				return err
			}
			instr := resource.CloningInstructions(instructions)
			if instr == "" {
				instr = src.CloningInstructions
			}

			decision, err := a.policy.EvaluateClone(cmd.Context(), policy.NewCloneInput(src, instr, destWs, name))
			if err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), decision); err != nil {
				return err
			}
			if !decision.Allowed {
				return engine.NewPermanentError(fmt.Sprintf("clone denied: %v", decision.Messages()), nil).
					WithCode(engine.ErrCodePolicyDenied)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "source resource as <workspace>/<resource>")
	cmd.Flags().StringVar(&destWorkspace, "dest-workspace", "", "destination workspace id")
	cmd.Flags().StringVarP(&name, "name", "n", "", "destination resource name")
	cmd.Flags().StringVar(&instructions, "instructions", "", "cloning instructions (defaults to the source's)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("dest-workspace")

	return cmd
}
