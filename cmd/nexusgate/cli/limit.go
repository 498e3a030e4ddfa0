package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexusgate/nexusgate/internal/client"
	"github.com/nexusgate/nexusgate/internal/model"
)

func newLimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "limit",
		Aliases: []string{"ratelimit"},
		Short:   "Inspect and manage rate limits on a running server",
		Long:    "List, create and check rate-limit records through the control plane API. Requires 'nexusgate login'.",
	}

	cmd.AddCommand(newLimitListCmd())
	cmd.AddCommand(newLimitCreateCmd())
	cmd.AddCommand(newLimitCheckCmd())

	return cmd
}

// optionalID turns an unset (zero) flag into a nil id.
func optionalID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

// ---------- limit list ----------

func newLimitListCmd() *cobra.Command {
	var (
		jsonOutput bool
		keyID      int64
		routeID    int64
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List rate-limit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLimitList(cmd.Context(), jsonOutput, keyID, routeID)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().Int64Var(&keyID, "key", 0, "Only records bound to this API key id")
	cmd.Flags().Int64Var(&routeID, "route", 0, "Only records bound to this service route id")

	return cmd
}

func runLimitList(ctx context.Context, jsonOutput bool, keyID, routeID int64) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := requireSession(c); err != nil {
		return err
	}

	var limits []model.RateLimit
	switch {
	case keyID > 0:
		limits, err = c.ListRateLimitsByAPIKey(ctx, keyID)
	case routeID > 0:
		limits, err = c.ListRateLimitsByRoute(ctx, routeID)
	default:
		limits, err = c.ListRateLimits(ctx)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(os.Stdout, limits)
	}

	if len(limits) == 0 {
		fmt.Println("No rate limits found.")
		return nil
	}

	fmt.Printf("%-6s %-20s %-15s %-5s %-5s %-8s %-8s %-9s %-6s\n", "ID", "NAME", "SCOPE", "KEY", "ROUTE", "RPM", "RPH", "RPD", "ACTIVE")
	for _, l := range limits {
		fmt.Printf("%-6d %-20s %-15s %-5s %-5s %-8d %-8d %-9d %-6s\n",
			l.ID, l.Name, l.Scope(), idOrDash(l.APIKeyID), idOrDash(l.ServiceRouteID),
			l.RequestsPerMinute, l.RequestsPerHour, l.RequestsPerDay, yesNo(l.IsActive))
	}
	return nil
}

// ---------- limit create ----------

func newLimitCreateCmd() *cobra.Command {
	var in client.CreateRateLimitInput
	var keyID, routeID int64

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rate-limit record",
		Long: `Create a rate-limit record. Its scope follows from the ids given: key and route
make it SPECIFIC, route alone ROUTE_DEFAULT, key alone KEY_GLOBAL, neither
SYSTEM_DEFAULT.`,
		Example: `  nexusgate limit create --name acme-orders --key 3 --route 1 --rpm 500 --rph 20000 --rpd 200000
  nexusgate limit create --name global --rpm 60 --rph 1000 --rpd 10000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.APIKeyID = optionalID(keyID)
			in.ServiceRouteID = optionalID(routeID)
			return runLimitCreate(cmd.Context(), in)
		},
	}

	cmd.Flags().StringVar(&in.Name, "name", "", "Record name (required)")
	cmd.Flags().Int64Var(&keyID, "key", 0, "API key id")
	cmd.Flags().Int64Var(&routeID, "route", 0, "Service route id")
	cmd.Flags().IntVar(&in.RequestsPerMinute, "rpm", 0, "Requests per minute")
	cmd.Flags().IntVar(&in.RequestsPerHour, "rph", 0, "Requests per hour")
	cmd.Flags().IntVar(&in.RequestsPerDay, "rpd", 0, "Requests per day")
	cmd.Flags().StringVar(&in.Algorithm, "algorithm", "", "Algorithm label (token-bucket, fixed-window, sliding-window, leaky-bucket)")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "Free-form notes")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runLimitCreate(ctx context.Context, in client.CreateRateLimitInput) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := requireSession(c); err != nil {
		return err
	}

	rl, err := c.CreateRateLimit(ctx, in)
	if err != nil {
		if client.IsConflict(err) {
			return fmt.Errorf("an active %s record already covers this scope: %w", model.ScopeOf(in.APIKeyID, in.ServiceRouteID), err)
		}
		return err
	}
	fmt.Printf("Created rate limit %q (id %d, %s)\n", rl.Name, rl.ID, rl.Scope())
	return nil
}

// ---------- limit check ----------

func newLimitCheckCmd() *cobra.Command {
	var (
		jsonOutput bool
		keyID      int64
		routeID    int64
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Resolve the effective limit for a key on a route",
		Example: `  nexusgate limit check --key 3 --route 1
  nexusgate limit check --route 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLimitCheck(cmd.Context(), jsonOutput, optionalID(keyID), optionalID(routeID))
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().Int64Var(&keyID, "key", 0, "API key id")
	cmd.Flags().Int64Var(&routeID, "route", 0, "Service route id")

	return cmd
}

func runLimitCheck(ctx context.Context, jsonOutput bool, keyID, routeID *int64) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := requireSession(c); err != nil {
		return err
	}

	res, err := c.CheckRateLimit(ctx, keyID, routeID)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("unknown api key or service route: %w", err)
		}
		return err
	}

	if jsonOutput {
		return printJSON(os.Stdout, res)
	}

	fmt.Printf("Effective limit (%s)\n", res.Source)
	fmt.Printf("  per minute: %d\n", res.RequestsPerMinute)
	fmt.Printf("  per hour:   %d\n", res.RequestsPerHour)
	fmt.Printf("  per day:    %d\n", res.RequestsPerDay)
	if res.RateLimitID != nil {
		fmt.Printf("  record:     %d\n", *res.RateLimitID)
	} else {
		fmt.Println("  record:     none (built-in default)")
	}
	return nil
}
