package main

import (
	"time"

	"github.com/spf13/cobra"

	"contestkit.org/internal/obs"
	"contestkit.org/internal/ratelimit"
)

type rateLimitStatus struct {
	Key               string     `json:"key"`
	Backend           string     `json:"backend"`
	Limit             int        `json:"limit"`
	WindowSeconds     int        `json:"window_seconds"`
	Remaining         int        `json:"remaining"`
	ResetAt           *time.Time `json:"reset_at,omitempty"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`
}

func newRateLimitCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect and reset sliding-window keys.",
	}
	cmd.AddCommand(newRateLimitStatusCmd(load), newRateLimitResetCmd(load))
	return cmd
}

// openLimiter builds the configured limiter and warns when it is the
// process-local backend, whose state this CLI cannot see.
func openLimiter(cmd *cobra.Command, load loader) (*ratelimit.Limiter, func() error, error) {
	cfg, err := load()
	if err != nil {
		return nil, nil, err
	}
	limiter, closeFn, err := cfg.Limiter(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	if limiter.Backend() == ratelimit.BackendMemory.String() {
		obs.Warn("authctl is using the in-memory backend; results do not reflect a running server", nil)
	}
	return limiter, closeFn, nil
}

func newRateLimitStatusCmd(load loader) *cobra.Command {
	var (
		limit  int
		window time.Duration
	)
	cmd := &cobra.Command{
		Use:     "status <key>",
		Short:   "Show remaining requests and reset time for a key.",
		Example: "authctl ratelimit status otp_request_+15550100 --limit 5 --window 5m",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limiter, closeFn, err := openLimiter(cmd, load)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, key := cmd.Context(), args[0]
			defLimit, defWindow := limiter.Defaults()
			if limit <= 0 {
				limit = defLimit
			}
			if window <= 0 {
				window = defWindow
			}
			out := rateLimitStatus{
				Key:           key,
				Backend:       limiter.Backend(),
				Limit:         limit,
				WindowSeconds: int(window / time.Second),
				Remaining:     limiter.Remaining(ctx, key, limit, window),
			}
			if reset, ok := limiter.ResetTime(ctx, key, window); ok {
				out.ResetAt = &reset
				if out.Remaining == 0 {
					out.RetryAfterSeconds = int(limiter.RetryAfter(ctx, key, window) / time.Second)
				}
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "requests per window (0 uses the configured default)")
	cmd.Flags().DurationVar(&window, "window", 0, "window length (0 uses the configured default)")
	return cmd
}

func newRateLimitResetCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>",
		Short: "Forget every recorded request for a key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limiter, closeFn, err := openLimiter(cmd, load)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := limiter.ResetKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"key": args[0], "reset": true})
		},
	}
}
