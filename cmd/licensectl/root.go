package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"desklicense/internal/app"
	"desklicense/internal/config"
	"desklicense/internal/infrastructure"
)

// errVerificationFailed makes the process exit with status 2 so scripts can
// tell a rejected license from an operational error.
var errVerificationFailed = errors.New("license verification failed")

func exitCode(err error) int {
	if errors.Is(err, errVerificationFailed) {
		return 2
	}
	return 1
}

// cli carries global flags and lazily built dependencies.
type cli struct {
	configPath string
	verbose    bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:     "licensectl",
		Short:   "Issue and verify offline desktop licenses",
		Version: config.AppVersion,

		// main prints the error, so cobra must not print it again.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "desklicense.yaml",
		"path to the YAML configuration file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false,
		"log at info level to stderr")

	root.AddCommand(
		c.newKeysCmd(),
		c.newIssueCmd(),
		c.newVerifyCmd(),
		c.newFingerprintCmd(),
		c.newExportCmd(),
		c.newServeCmd(),
	)
	return root
}

// logger returns the stderr logger used by one-shot commands.
func (c *cli) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelInfo
	}
	return infrastructure.NewLogger(cmd.ErrOrStderr(), level)
}

// authority opens the keyring, ledger and audit sinks for one command.
func (c *cli) authority(cmd *cobra.Command) (*app.Application, error) {
	return app.New(cmd.Context(), c.cfg, app.WithLogger(c.logger(cmd)), app.WithoutTelemetry())
}

func closeAuthority(a *app.Application) {
	a.Close(context.Background())
}
