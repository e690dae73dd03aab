package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"quiz-attempt-service/internal/app"
)

// NewReapCmd runs a single expiry sweep, for cron-style deployments.
func NewReapCmd(configPath *string) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Finalize every open attempt whose deadline has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			rt, err := buildRuntime(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			if concurrency < 1 {
				concurrency = cfg.ReaperConcurrency()
			}
			reaper := app.NewReaper(rt.service, 0, concurrency, log)
			n, err := reaper.SweepOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "finalized %d attempt(s)\n", n)
			return err
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel finalizations (defaults to attempt.reaperConcurrency)")
	return cmd
}
