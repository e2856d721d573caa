package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/BlueSageSolutions/db-maintenance/pkg/client"
)

func createStatusCommand() *cobra.Command {
	statusFlags := &StatusFlags{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon",
		Long: `Read the last cycle report, health or current blocking sessions from a
daemon started with 'serve' and a [server].listen address.

Examples:
  purgefixer status --api-url=http://db-ops:8080
  purgefixer status --health
  purgefixer status --sessions --api-url=http://db-ops:8080/purge`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), statusFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", client.DefaultConfig().BaseURL, "daemon URL including [server].base_path")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", client.DefaultConfig().Timeout, "request timeout")
	cmd.Flags().BoolVar(&statusFlags.Health, "health", false, "show health instead of the last report")
	cmd.Flags().BoolVar(&statusFlags.Sessions, "sessions", false, "show the sessions a pass would kill")
	cmd.MarkFlagsMutuallyExclusive("health", "sessions")
	return cmd
}

func runStatus(ctx context.Context, flags *StatusFlags, out io.Writer) error {
	c, err := client.New(client.Config{BaseURL: flags.APIUrl, Timeout: flags.APITimeout})
	if err != nil {
		return err
	}

	switch {
	case flags.Health:
		h, err := c.Health(ctx)
		if h != nil {
			printJSON(out, h)
		}
		return err
	case flags.Sessions:
		recs, err := c.Sessions(ctx)
		if err != nil {
			return err
		}
		printJSON(out, recs)
	default:
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		printJSON(out, st)
	}
	return nil
}
