package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quantmill/marketsync/internal/catalog"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List configured data interfaces",
	Long:  "Displays every interface in the catalog with its target table, duplicate mode and business key.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load(cfg.Ingest.CatalogFile)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tPROVIDER FUNC\tTABLE\tMODE\tBUSINESS KEY")
		for _, iface := range cat.Interfaces() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				iface.Name, iface.ProviderFunc, iface.Table, iface.Mode,
				strings.Join(iface.BusinessKey, ", "))
		}
		tw.Flush()

		if pipes := cat.PipelineNames(); len(pipes) > 0 {
			fmt.Printf("\nPipelines: %s\n", strings.Join(pipes, ", "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}
