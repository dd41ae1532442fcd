package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"desklicense/internal/exporter"
	"desklicense/internal/repository"
	"desklicense/internal/validation"
)

func (c *cli) newExportCmd() *cobra.Command {
	var (
		filter repository.Filter
		out    string
		noBOM  bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the license ledger to CSV or XLSX",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validation.NewFileValidator(c.logger(cmd)).ValidateOutputPath(out, ".csv", ".xlsx"); err != nil {
				return err
			}

			a, err := c.authority(cmd)
			if err != nil {
				return err
			}
			defer closeAuthority(a)

			licenses, err := a.Licenses.ListLicenses(cmd.Context(), filter)
			if err != nil {
				return err
			}
			opts := exporter.Options{Format: exporter.FormatFromPath(out), NoBOM: noBOM}
			if err := a.Exporter.ExportFile(cmd.Context(), out, licenses, opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d license(s) to %s\n", len(licenses), out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&out, "out", "o", "", "output file, .csv or .xlsx")
	f.StringVar(&filter.Kid, "kid", "", "only licenses signed by this key")
	f.StringVar(&filter.Customer, "customer", "", "only licenses for this customer")
	f.StringVar(&filter.Edition, "edition", "", "only licenses of this edition")
	f.BoolVar(&filter.IncludeDeleted, "include-deleted", false, "include soft deleted licenses")
	f.BoolVar(&noBOM, "no-bom", false, "omit the UTF-8 byte order mark from CSV output")
	cmd.MarkFlagRequired("out")
	return cmd
}
