package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show loshark-ctl and server versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "loshark-ctl %s (commit %s)\n", version, commit)
			ctx, cancel := a.ctx(cmd)
			defer cancel()
			var health struct {
				Version string `json:"version"`
			}
			if err := a.client.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
				return fmt.Errorf("failed to get server version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loshark-server %s\n", health.Version)
			return nil
		},
	}
}
