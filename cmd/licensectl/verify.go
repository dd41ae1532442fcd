package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"desklicense/internal/files"
	"desklicense/internal/fingerprint"
	"desklicense/internal/keystore"
	"desklicense/internal/license"
	"desklicense/internal/validation"
)

// verify runs on the client side: it needs only the trust anchors, never
// the keyring or its passphrase.
func (c *cli) newVerifyCmd() *cobra.Command {
	var (
		trustFile string
		observed  string
		at        string
	)
	cmd := &cobra.Command{
		Use:   "verify FILE|DIR",
		Short: "Verify license files against the trust anchors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := c.logger(cmd)
			if trustFile == "" {
				trustFile = c.cfg.Keys.TrustFile
			}
			trust, err := keystore.LoadTrustAnchors(trustFile)
			if err != nil {
				return err
			}

			if observed == "" {
				observed = fingerprint.NewCollector(logger, 0).Fingerprint().String()
			} else if _, err := fingerprint.Parse(observed); err != nil {
				return err
			}

			now := time.Now().UTC()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at time: %w", err)
				}
			}

			paths, err := licensePaths(validation.NewFileValidator(logger), args[0])
			if err != nil {
				return err
			}

			verifier := license.NewVerifier(trust, nil, logger)
			results := make([]verifyResult, 0, len(paths))
			for _, path := range paths {
				results = append(results, verifyPath(cmd, verifier, path, observed, now))
			}
			printResults(cmd.OutOrStdout(), results)

			for _, r := range results {
				if !r.valid() {
					return errVerificationFailed
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&trustFile, "trust", "", "trust anchor file (default keys.trust_file)")
	f.StringVar(&observed, "fingerprint", "", "fingerprint to check against (default this machine)")
	f.StringVar(&at, "at", "", "verify as of this RFC 3339 time instead of now")
	return cmd
}

// licensePaths expands a directory into the .dat files it holds.
func licensePaths(v *validation.FileValidator, target string) ([]string, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", target, err)
	}
	if !info.IsDir() {
		if err := v.ValidateFile(target); err != nil {
			return nil, err
		}
		return []string{target}, nil
	}

	found, err := files.FindByExtension(target, license.FileExtension)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("no %s files in %s", license.FileExtension, target)
	}
	paths := make([]string, 0, len(found))
	for _, fi := range found {
		paths = append(paths, fi.Path)
	}
	return paths, nil
}

type verifyResult struct {
	path   string
	result license.Result
	err    error
	now    time.Time
}

func (r verifyResult) valid() bool { return r.err == nil && r.result.Valid() }

func verifyPath(cmd *cobra.Command, v *license.Verifier, path, observed string, now time.Time) verifyResult {
	f, err := license.ReadFile(path)
	if err != nil {
		return verifyResult{path: path, err: err, now: now}
	}
	return verifyResult{path: path, result: v.VerifyFile(cmd.Context(), f, observed, now), now: now}
}

func printResults(out io.Writer, results []verifyResult) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "FILE\tOUTCOME\tCUSTOMER\tEDITION\tEXPIRES\tDAYS LEFT\tMESSAGE")
	for _, r := range results {
		if r.err != nil {
			fmt.Fprintf(w, "%s\t%s\t\t\t\t\t%s\n", r.path, "unreadable", r.err)
			continue
		}
		customer, edition, expires, days := "", "", "", ""
		if v := r.result.Verdict; v != nil {
			customer = v.Customer
			edition = string(v.Edition)
			expires = v.ExpiresAt.Format(time.DateOnly)
			days = fmt.Sprint(v.DaysRemaining(r.now))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.path, r.result.Outcome, customer, edition, expires, days, r.result.Outcome.Message())
	}
}
