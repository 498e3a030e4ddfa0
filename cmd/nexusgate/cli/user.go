package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nexusgate/nexusgate/internal/model"
	"github.com/nexusgate/nexusgate/internal/service"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage operator accounts",
		Long:  "Create and list the accounts that sign in to the control plane. These commands work on the local store directly.",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())

	return cmd
}

// ---------- user create ----------

func newUserCreateCmd() *cobra.Command {
	var (
		email    string
		password string
		name     string
		role     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new account",
		Long:  "Create an account. The first account of an instance is an admin; later ones are viewers unless --role says otherwise.",
		Example: `  nexusgate user create --email ops@example.com --password secret123
  nexusgate user create --email ops@example.com --role admin  # prompts for password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserCreate(email, password, name, role)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&role, "role", "", "Force the role: admin or viewer")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runUserCreate(email, password, name, role string) error {
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address: %q", email)
	}
	if role != "" && !model.ValidRole(role) {
		return fmt.Errorf("unknown role %q (use admin or viewer)", role)
	}

	if password == "" {
		var err error
		if password, err = promptPassword(true); err != nil {
			return err
		}
	}

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	// Tokens are never issued here, so the secret is irrelevant.
	authSvc := service.NewAuthService(store, devJWTSecret, 0)
	user, err := authSvc.Register(ctx, email, name, password)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	if role != "" && role != user.Role {
		user.Role = role
		if err := store.UpdateUser(ctx, user); err != nil {
			return fmt.Errorf("set role: %w", err)
		}
	}

	fmt.Printf("Created %s user %q (id %d)\n", user.Role, user.Email, user.ID)
	return nil
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(confirm bool) (string, error) {
	fmt.Print("Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if !confirm {
		return string(pw), nil
	}

	fmt.Print("Confirm password: ")
	again, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	if string(pw) != string(again) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(pw), nil
}

// ---------- user list ----------

func newUserListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runUserList(jsonOutput bool) error {
	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	users, err := store.ListUsers(context.Background())
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, users)
	}

	if len(users) == 0 {
		fmt.Println("No accounts yet. Use 'nexusgate user create' to create one.")
		return nil
	}

	fmt.Printf("%-6s %-30s %-24s %-8s %-8s\n", "ID", "EMAIL", "NAME", "ROLE", "ACTIVE")
	fmt.Printf("%-6s %-30s %-24s %-8s %-8s\n", "--", "-----", "----", "----", "------")
	for _, u := range users {
		fmt.Printf("%-6d %-30s %-24s %-8s %-8s\n", u.ID, u.Email, u.Name, u.Role, yesNo(u.IsActive))
	}

	return nil
}
