package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexusgate/nexusgate/internal/client"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check if the NexusGate server is running",
		Long:  "Report the server process state, its readiness checks and the logged-in user.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func runStatus() error {
	pid, err := readPID()
	switch {
	case err != nil:
		fmt.Println("No local server process (no PID file found).")
	case !isProcessRunning(pid):
		removePID()
		fmt.Println("No local server process (stale PID file removed).")
	default:
		fmt.Printf("Server process running (PID %d)\n", pid)
		fmt.Printf("  Logs:    %s\n", logFilePath())
	}

	base := resolveServerURL()
	hc := &http.Client{Timeout: 2 * time.Second}
	resp, err := hc.Get(base + "/readyz")
	if err != nil {
		fmt.Printf("Control plane at %s is not responding.\n", base)
		return nil
	}
	defer resp.Body.Close()

	var ready readiness
	json.NewDecoder(resp.Body).Decode(&ready)
	fmt.Printf("Control plane at %s: %s (%d)\n", base, ready.Status, resp.StatusCode)

	names := make([]string, 0, len(ready.Checks))
	for name := range ready.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-8s %s\n", name+":", ready.Checks[name])
	}

	if session, err := client.LoadSession(sessionFilePath()); err == nil && session.Authenticated() {
		u := session.User()
		fmt.Printf("Logged in as %s (%s)\n", u.Email, u.Role)
	}
	return nil
}
