package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background NexusGate server",
		Long:  "Signal a server started with 'nexusgate serve --daemon' and wait for it to exit. The server drains in-flight requests and cancels running load tests before it stops.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "How long to wait for the server to exit")
	return cmd
}

func runStop(wait time.Duration) error {
	pid, err := readPID()
	if err != nil {
		return fmt.Errorf("no PID file at %s; is the server running?", pidFilePath())
	}
	if !isProcessRunning(pid) {
		removePID()
		return errors.New("no server process found; removed the stale PID file")
	}

	fmt.Printf("Sending shutdown signal to PID %d\n", pid)
	if err := stopProcess(pid); err != nil {
		return fmt.Errorf("signal PID %d: %w", pid, err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(wait)
	for {
		select {
		case <-ticker.C:
			if isProcessRunning(pid) {
				continue
			}
			removePID()
			fmt.Println("NexusGate stopped.")
			return nil
		case <-timeout:
			return fmt.Errorf("PID %d still running after %s; it may be draining connections", pid, wait)
		}
	}
}
