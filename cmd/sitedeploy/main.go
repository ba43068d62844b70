package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/keithlinneman/sitedeploy/internal/version"
)

// envPrefix maps flag "foo-bar" to SITEDEPLOY_FOO_BAR.
const envPrefix = "SITEDEPLOY_"

var envFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   version.AppName,
		Short: "Multi-tenant static site host with authenticated deploys",
		Long: `sitedeploy serves release channels of a static site from one process.

Each channel is picked by hostname: <base> for stable, canary.<base>,
pr-<n>.<base> and commit-<hash>.<base>. deploy.<base> accepts gzipped tar
archives authenticated with a per-channel token.`,
		Version:       version.Get().Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadDotenv(envFile, cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading SITEDEPLOY_* variables, missing is fine")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// loadDotenv never overrides variables already present in the environment.
func loadDotenv(path string, stderr io.Writer) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	fmt.Fprintf(stderr, "loaded environment from %s\n", path)
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
