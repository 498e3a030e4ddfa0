package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nexusgate/nexusgate/internal/cache"
	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/resolver"
)

func newRouteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Manage service routes",
		Long:  "List service routes or import them, with their route default limits, from a YAML manifest.",
	}

	cmd.AddCommand(newRouteListCmd())
	cmd.AddCommand(newRouteImportCmd())

	return cmd
}

// ---------- route list ----------

func newRouteListCmd() *cobra.Command {
	var (
		jsonOutput bool
		activeOnly bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List service routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRouteList(jsonOutput, activeOnly)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only show active routes")

	return cmd
}

func runRouteList(jsonOutput, activeOnly bool) error {
	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	routes, err := store.ListRoutes(context.Background(), activeOnly)
	if err != nil {
		return fmt.Errorf("list routes: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, routes)
	}

	if len(routes) == 0 {
		fmt.Println("No service routes. Use 'nexusgate route import <file>' to add some.")
		return nil
	}

	fmt.Printf("%-6s %-20s %-24s %-20s %-9s\n", "ID", "NAME", "PATH", "METHODS", "HEALTH")
	fmt.Printf("%-6s %-20s %-24s %-20s %-9s\n", "--", "----", "----", "-------", "------")
	for _, r := range routes {
		fmt.Printf("%-6d %-20s %-24s %-20s %-9s\n",
			r.ID, r.Name, r.Path, strings.Join(r.AllowedMethods, ","), r.HealthStatus())
	}
	return nil
}

// ---------- route import ----------

func newRouteImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <manifest.yaml>",
		Short: "Create or update routes from a YAML manifest",
		Long: `Create or update the manifest's routes (matched by path among active routes),
their route default limits and the system default. ${VAR} references in the
file are expanded from the environment.`,
		Example: `  nexusgate route import routes.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRouteImport(cmd.Context(), args[0])
		},
	}

	return cmd
}

func runRouteImport(ctx context.Context, path string) error {
	m, err := config.LoadManifest(path)
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	res, err := store.ApplyManifest(ctx, m)
	if err != nil {
		return fmt.Errorf("apply manifest: %w", err)
	}

	fmt.Printf("Imported %s\n", path)
	fmt.Printf("  routes: %d created, %d updated\n", res.RoutesCreated, res.RoutesUpdated)
	fmt.Printf("  limits: %d created, %d updated\n", res.LimitsCreated, res.LimitsUpdated)

	if err := invalidateSharedResolutions(ctx); err != nil {
		fmt.Printf("  warning: %v\n", err)
	}
	return nil
}

// invalidateSharedResolutions drops cached check results from a Redis cache
// shared with running servers. An in-process cache belongs to the server and
// expires on its own after cache.ttl.
func invalidateSharedResolutions(ctx context.Context) error {
	if viper.GetString("cache.redis_url") == "" {
		return nil
	}
	c, err := openCache(ctx)
	if err != nil {
		return fmt.Errorf("shared cache not invalidated: %w", err)
	}
	defer c.Close()
	return cache.NewLoader(c, 0).Invalidate(ctx, resolver.TagLimits)
}
