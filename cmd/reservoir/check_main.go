package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// runCheck validates the configuration and prints the effective values.
// A bad file or profile surfaces as a non-zero exit through cobra.
func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = "(defaults)"
	}

	fmt.Printf("Configuration OK: %s\n\n", path)
	fmt.Printf("upstream    %s:%d service=%s user=%s\n",
		cfg.Upstream.Host, cfg.Upstream.Port, cfg.Upstream.Service, cfg.Upstream.User)
	fmt.Printf("ingest      queue=%d workers=%d staleness=%s poll=%s\n",
		cfg.Ingest.QueueCapacity, cfg.Ingest.WorkerCount, cfg.Ingest.TaskStaleness(), cfg.Ingest.PollTimeout())
	fmt.Printf("fanout      queue=%d eviction=%s\n",
		cfg.Fanout.SubscriberQueueCapacity, cfg.Fanout.SlowConsumerTimeout())
	fmt.Printf("rate        %d/s acquire=%s\n",
		cfg.Resilience.Rate.PermitsPerSec, cfg.Resilience.Rate.AcquireTimeout())
	fmt.Printf("circuit     window=%d failure=%.0f%% cooldown=%s\n",
		cfg.Resilience.Circuit.WindowSize, cfg.Resilience.Circuit.FailureRatePct, cfg.Resilience.Circuit.Cooldown())
	fmt.Printf("retry       attempts=%d backoff=%s\n",
		cfg.Resilience.Retry.MaxAttempts, cfg.Resilience.Retry.BaseBackoff())
	fmt.Printf("quality     enabled=%t price=[%.2f, %.2f] spread=%.1f%% age=%s floor=%.1f\n",
		cfg.Quality.Enabled, cfg.Quality.MinPrice, cfg.Quality.MaxPrice,
		cfg.Quality.MaxSpreadPct, cfg.Quality.MaxAge(), cfg.Quality.MinQualityScore)
	fmt.Printf("shutdown    drain=%s budget=%s\n",
		cfg.Shutdown.DrainTimeout(), cfg.Shutdown.TotalBudget())
	fmt.Printf("server      %s request_timeout=%s\n",
		cfg.Server.Addr(), cfg.Server.RequestTimeout())

	return nil
}
