package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/model"
	"github.com/nexusgate/nexusgate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke the API keys issued to gateway clients. These commands work on the local store directly.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		clientName string
		email      string
		company    string
		expiresIn  time.Duration
		notes      string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		Long:  "Generate a new API key for a client. The raw key is shown once and cannot be retrieved again.",
		Example: `  nexusgate key create --client "Acme" --email dev@acme.test
  nexusgate key create --client "CI" --expires-in 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(clientName, email, company, notes, expiresIn)
		},
	}

	cmd.Flags().StringVar(&clientName, "client", "", "Client name (required)")
	cmd.Flags().StringVar(&email, "email", "", "Client contact email")
	cmd.Flags().StringVar(&company, "company", "", "Client company")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the key after this long (default: never)")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")
	cmd.MarkFlagRequired("client")

	return cmd
}

func runKeyCreate(clientName, email, company, notes string, expiresIn time.Duration) error {
	if expiresIn < 0 {
		return fmt.Errorf("--expires-in must be positive")
	}

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	raw, prefix, err := service.GenerateAPIKey()
	if err != nil {
		return err
	}

	key := &model.APIKey{
		KeyHash:     config.HashAPIKey(raw),
		KeyPrefix:   prefix,
		ClientName:  clientName,
		ClientEmail: email,
		Company:     company,
		IsActive:    true,
		Notes:       notes,
	}
	if expiresIn > 0 {
		exp := time.Now().UTC().Add(expiresIn)
		key.ExpiresAt = &exp
	}

	if err := store.CreateAPIKey(context.Background(), key); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  ID:      %d\n", key.ID)
	fmt.Printf("  Key:     %s\n", raw)
	fmt.Printf("  Client:  %s\n", clientName)
	if key.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		jsonOutput bool
		status     string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput, status)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&status, "status", "", "Only show keys in this state: active, revoked or expired")

	return cmd
}

func runKeyList(jsonOutput bool, status string) error {
	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	keys, err := store.ListAPIKeys(context.Background())
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	now := time.Now()
	if status != "" {
		filtered := keys[:0]
		for _, k := range keys {
			if string(k.Status(now)) == status {
				filtered = append(filtered, k)
			}
		}
		keys = filtered
	}

	if jsonOutput {
		return printJSON(os.Stdout, keys)
	}

	if len(keys) == 0 {
		fmt.Println("No API keys found. Use 'nexusgate key create' to issue one.")
		return nil
	}

	fmt.Printf("%-6s %-18s %-24s %-8s %-20s\n", "ID", "PREFIX", "CLIENT", "STATUS", "LAST USED")
	fmt.Printf("%-6s %-18s %-24s %-8s %-20s\n", "--", "------", "------", "------", "---------")
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsed != nil {
			lastUsed = k.LastUsed.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("%-6d %-18s %-24s %-8s %-20s\n", k.ID, k.KeyPrefix, k.ClientName, k.Status(now), lastUsed)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke an API key by its prefix",
		Long:  "Deactivate an API key. The key stays on record and can be re-enabled through the API.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(prefix string) error {
	if !strings.HasPrefix(prefix, service.KeyScheme) {
		return fmt.Errorf("%q is not a key prefix (expected %s...)", prefix, service.KeyScheme)
	}

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := store.RevokeAPIKeyByPrefix(context.Background(), prefix); err != nil {
		switch {
		case errors.Is(err, config.ErrNotFound):
			return fmt.Errorf("no active API key with prefix %q", prefix)
		case errors.Is(err, config.ErrConflict):
			return fmt.Errorf("%w; use 'nexusgate key list' and toggle the key by id through the API", err)
		}
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key with prefix %q\n", prefix)
	return nil
}
