package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"contestkit.org/internal/config"
)

// loader returns the configuration commands operate on. Production reads
// CONTESTKIT_* variables; tests inject their own.
type loader func() (config.Config, error)

func newRootCmd(load loader) *cobra.Command {
	root := &cobra.Command{
		Use:           "authctl",
		Short:         "Operate contestkit tokens, rate limits and users.",
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `authctl works against the same CONTESTKIT_* configuration as the API.

Token commands need CONTESTKIT_TOKEN_SECRET. Rate-limit commands use the
configured backend, so point CONTESTKIT_RATELIMIT_BACKEND at redis to inspect
a shared deployment. User and migrate commands need CONTESTKIT_PG_DSN.`,
	}
	root.AddCommand(
		newTokenCmd(load),
		newPermissionsCmd(),
		newRateLimitCmd(load),
		newMigrateCmd(load),
		newUserCmd(load),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
