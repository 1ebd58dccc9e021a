package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/quotagate/internal/config"
	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
)

var endpointsOutput string

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "List, export or import endpoint definitions",
	Long: `Inspect and move endpoint definitions without the admin API.

The YAML document has the same shape as the endpoints section of
quota-gate.yaml. Stop the server before importing; a running server does
not reload state.json.`,
}

var endpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		descriptors, err := loadDescriptors(cmd)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERB\tPATH\tVISIBILITY\tACTIVE\tRATE LIMIT")
		for _, d := range descriptors {
			limit := "tier default"
			if d.RateLimit != nil {
				limit = fmt.Sprintf("%d/%ds", d.RateLimit.MaxRequests, d.RateLimit.WindowSeconds)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", d.Verb, d.Path, d.Visibility, d.Active, limit)
		}
		return tw.Flush()
	},
}

var endpointsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export endpoints as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		descriptors, err := loadDescriptors(cmd)
		if err != nil {
			return err
		}
		data, err := config.MarshalEndpoints(descriptors)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), endpointsOutput, data)
	},
}

var endpointsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import endpoints from YAML into state.json",
	Long: `Add the endpoints of a YAML document to state.json. Endpoints whose
path and verb are already registered are left unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: runEndpointsImport,
}

func init() {
	endpointsExportCmd.Flags().StringVarP(&endpointsOutput, "output", "o", "", "write to file instead of stdout")
	endpointsCmd.AddCommand(endpointsListCmd, endpointsExportCmd, endpointsImportCmd)
	rootCmd.AddCommand(endpointsCmd)
}

func loadDescriptors(cmd *cobra.Command) ([]endpoint.Descriptor, error) {
	cfg, err := loadValidatedConfig()
	if err != nil {
		return nil, err
	}
	svc, err := openRegistry(cmd.Context(), cfg, resolveStatePath(cfg), false, quietLogger())
	if err != nil {
		return nil, err
	}
	return svc.Endpoints(), nil
}

func runEndpointsImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	descriptors, err := config.UnmarshalEndpoints(data)
	if err != nil {
		return err
	}

	cfg, err := loadValidatedConfig()
	if err != nil {
		return err
	}
	statePath := resolveStatePath(cfg)
	svc, err := openRegistry(cmd.Context(), cfg, statePath, true, quietLogger())
	if err != nil {
		return err
	}
	added, err := svc.Seed(cmd.Context(), descriptors)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d endpoint(s), %d already registered (%s)\n",
		added, len(descriptors)-added, statePath)
	return nil
}
