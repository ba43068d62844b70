package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/sitedeploy/internal/token"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token [value]",
		Short: "Generate a deploy token and the digest to configure",
		Long: `Prints a deploy token and its sha256 digest.

Give the TOKEN to the CI job that deploys and configure the server with the
HASH, e.g. SITEDEPLOY_CANARY_DEPLOY_HASH. With an argument the digest of that
value is printed instead of a freshly generated token.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tok string
			if len(args) == 1 {
				tok = strings.TrimSpace(args[0])
				if tok == "" {
					return fmt.Errorf("token value is empty")
				}
			} else {
				var err error
				if tok, err = token.Generate(); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "TOKEN=%s\n", tok)
			fmt.Fprintf(out, "HASH=%s\n", token.Digest(tok))
			return nil
		},
	}
}
