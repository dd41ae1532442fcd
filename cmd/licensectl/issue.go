package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"desklicense/internal/license"
	"desklicense/internal/validation"
)

func (c *cli) newIssueCmd() *cobra.Command {
	var (
		req license.Request
		out string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a license for one machine and write it to a .dat file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := c.logger(cmd)
			if out == "" {
				out = "license" + license.FileExtension
			}
			if err := validation.NewFileValidator(logger).ValidateOutputPath(out, license.FileExtension); err != nil {
				return err
			}

			a, err := c.authority(cmd)
			if err != nil {
				return err
			}
			defer closeAuthority(a)

			issued, err := a.Licenses.Issue(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := license.WriteFile(out, issued.License); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "issued %s for %s (%s, %d seat(s)), expires %s, signed by %s\n",
				issued.ID, issued.Customer, issued.Edition, issued.Seats,
				issued.ExpiresAt.Format(time.DateOnly), issued.Kid)
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", filepath.Clean(out))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Customer, "customer", "", "customer name")
	f.StringVar(&req.Edition, "edition", "", "edition: Basic, Standard, Pro or Enterprise")
	f.IntVar(&req.Seats, "seats", 1, "number of seats")
	f.IntVar(&req.ValidityDays, "days", 365, "validity in days")
	f.StringVar(&req.FingerprintID, "fingerprint", "", "16 hex character machine fingerprint")
	f.StringVar(&req.Notes, "notes", "", "free text stored in the license")
	f.StringVarP(&out, "out", "o", "", "output file (default license.dat)")
	cmd.MarkFlagRequired("customer")
	cmd.MarkFlagRequired("edition")
	cmd.MarkFlagRequired("fingerprint")
	return cmd
}
