package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"desklicense/internal/fingerprint"
)

func (c *cli) newFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprint of this machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id := fingerprint.NewCollector(c.logger(cmd), 0).Fingerprint()
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
