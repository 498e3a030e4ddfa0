package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexusgate/nexusgate/internal/client"
	"github.com/nexusgate/nexusgate/internal/model"
)

func newLogsCmd() *cobra.Command {
	var (
		q          client.LogQuery
		since      time.Duration
		summary    bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recorded violations",
		Long:  "List violations newest first, or count them per type over the last 24 hours with --summary.",
		Example: `  nexusgate logs --type rate_limit --since 1h
  nexusgate logs --search orders --limit 20
  nexusgate logs --summary`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if q.ViolationType != "" && !model.ValidViolationType(q.ViolationType) {
				return fmt.Errorf("unknown violation type %q (valid: %s)", q.ViolationType, strings.Join(model.ViolationTypes, ", "))
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			return runLogs(cmd.Context(), q, summary, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&q.ViolationType, "type", "", "Violation type: "+strings.Join(model.ViolationTypes, ", "))
	cmd.Flags().StringVar(&q.Search, "search", "", "Substring match on api name, source or endpoint")
	cmd.Flags().DurationVar(&since, "since", 0, "Only violations newer than this (e.g. 30m, 24h)")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "Maximum entries to show")
	cmd.Flags().BoolVar(&summary, "summary", false, "Show per-type counts for the last 24 hours")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runLogs(ctx context.Context, q client.LogQuery, summary, jsonOutput bool) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := requireSession(c); err != nil {
		return err
	}

	if summary {
		s, err := c.LogSummary(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(os.Stdout, s)
		}
		fmt.Printf("Violations since %s: %d\n", s.Since.Local().Format(time.RFC3339), s.Total)
		types := make([]string, 0, len(s.ByType))
		for t := range s.ByType {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Printf("  %-14s %d\n", t, s.ByType[t])
		}
		return nil
	}

	entries, err := c.ListLogs(ctx, q)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, entries)
	}
	if len(entries) == 0 {
		fmt.Println("No violations recorded.")
		return nil
	}

	fmt.Printf("%-20s %-14s %-20s %-30s %-6s\n", "TIME", "TYPE", "API", "ENDPOINT", "STATUS")
	for _, e := range entries {
		fmt.Printf("%-20s %-14s %-20s %-30s %-6d\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.ViolationType, e.APIName, e.Endpoint, e.StatusCode)
	}
	return nil
}
