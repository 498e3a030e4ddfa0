package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexusgate/nexusgate/internal/loadtest"
)

func newLoadTestCmd() *cobra.Command {
	var (
		cfg      loadtest.Config
		duration time.Duration
		remote   bool
	)

	cmd := &cobra.Command{
		Use:     "loadtest",
		Aliases: []string{"benchmark"},
		Short:   "Drive synthetic traffic at a gateway route",
		Long: `Send requests to a target URL at a fixed rate for a fixed duration and report
throughput, status codes and latency percentiles. With --remote the run
executes on the control plane instead of this machine.`,
		Example: `  nexusgate loadtest --target http://gateway.local/orders --rps 100 --duration 30s
  nexusgate loadtest --target http://gateway.local/orders --rps 50 --api-key nxg_live_... --remote`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.DurationSeconds = int(duration.Round(time.Second) / time.Second)
			if remote {
				return runRemoteLoadTest(cmd.Context(), cfg)
			}
			return runLocalLoadTest(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.TargetURL, "target", "", "Target URL (required)")
	cmd.Flags().StringVar(&cfg.Method, "method", http.MethodGet, "HTTP method")
	cmd.Flags().IntVar(&cfg.RequestsPerSecond, "rps", 10, "Requests per second")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 10, "Number of concurrent workers")
	cmd.Flags().StringVar(&cfg.APIKey, "api-key", "", "API key sent as X-API-Key")
	cmd.Flags().BoolVar(&remote, "remote", false, "Run on the control plane (requires 'nexusgate login')")
	cmd.MarkFlagRequired("target")

	return cmd
}

func printLoadTestHeader(cfg loadtest.Config, where string) {
	fmt.Println("NexusGate Load Test")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Target: %s %s (%s)\n", cfg.Method, cfg.TargetURL, where)
	fmt.Printf("Rate: %d req/s | Duration: %ds | Concurrency: %d\n", cfg.RequestsPerSecond, cfg.DurationSeconds, cfg.Concurrency)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func runLocalLoadTest(ctx context.Context, cfg loadtest.Config) error {
	printLoadTestHeader(cfg, "local")

	res, err := loadtest.Run(ctx, &http.Client{Timeout: 10 * time.Second}, cfg)
	if err != nil {
		return err
	}
	printResults(res)
	return nil
}

// runRemoteLoadTest starts the run on the server and polls it until it
// finishes. Interrupting the command stops the remote run.
func runRemoteLoadTest(ctx context.Context, cfg loadtest.Config) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := requireSession(c); err != nil {
		return err
	}

	printLoadTestHeader(cfg, "remote")

	st, err := c.StartLoadTest(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Started %s\n", st.TestID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for st.Status == loadtest.StateRunning {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := c.StopLoadTest(stopCtx, st.TestID); err != nil {
				return fmt.Errorf("stop %s: %w", st.TestID, err)
			}
			fmt.Println("\nStopped.")
			return nil
		case <-ticker.C:
		}
		if st, err = c.LoadTestStatus(ctx, st.TestID); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			return err
		}
		fmt.Printf("\r  %s %5.1f%%", st.Status, st.Progress)
	}
	fmt.Println()
	fmt.Println()

	res, err := c.LoadTestResults(ctx, st.TestID)
	if err != nil {
		return err
	}
	printResults(res)
	return nil
}

func printResults(res *loadtest.Results) {
	fmt.Println("Results")
	fmt.Println("-------")
	fmt.Printf("  Requests:       %d (%d ok, %d failed)\n", res.TotalRequests, res.SuccessfulRequests, res.FailedRequests)
	fmt.Printf("  Throughput:     %.1f req/s\n", res.RequestsPerSecond)
	fmt.Printf("  Error rate:     %.2f%%\n", res.ErrorRate*100)
	fmt.Printf("  Duration:       %.1fs\n", res.DurationSeconds)

	fmt.Println()
	fmt.Println("Latency (ms)")
	fmt.Println("------------")
	fmt.Printf("  avg %.1f | p50 %.1f | p95 %.1f | p99 %.1f | max %.1f\n",
		res.AvgLatencyMs, res.P50LatencyMs, res.P95LatencyMs, res.P99LatencyMs, res.MaxLatencyMs)

	if len(res.StatusCodes) > 0 {
		fmt.Println()
		fmt.Println("Status codes")
		fmt.Println("------------")
		codes := make([]int, 0, len(res.StatusCodes))
		for code := range res.StatusCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			label := fmt.Sprint(code)
			if code == 0 {
				label = "none"
			}
			fmt.Printf("  %-6s %d\n", label, res.StatusCodes[code])
		}
	}
}
