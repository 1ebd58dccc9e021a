package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const stopPollInterval = 200 * time.Millisecond

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running quota-gate server",
	Long: `Send a graceful stop to the server recorded in ~/.quota-gate/server.pid.

The server gets --timeout to drain in-flight admissions and flush the audit
journal. After that it is killed.

Examples:
  quota-gate stop
  quota-gate stop --timeout 30s`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 10*time.Second, "how long to wait for a graceful exit before killing")
	rootCmd.AddCommand(stopCmd)
}

func runStop(_ *cobra.Command, _ []string) error {
	return stopServer(pidFilePath(), stopTimeout)
}

// stopServer signals the process in pidPath and removes the PID file once
// the process is gone or found to be stale.
func stopServer(pidPath string, timeout time.Duration) error {
	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no server PID file found at %s\nIs the server running?", pidPath)
	}
	defer os.Remove(pidPath)

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}
	if !processIsAlive(proc) {
		return fmt.Errorf("server process %d is not running (stale PID file removed)", pid)
	}

	fmt.Fprintf(os.Stderr, "Stopping quota-gate server (PID %d)...\n", pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	if waitForExit(proc, timeout) {
		fmt.Fprintln(os.Stderr, "Server stopped.")
		return nil
	}

	fmt.Fprintln(os.Stderr, "Server did not stop gracefully, killing it...")
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill PID %d: %w", pid, err)
	}
	fmt.Fprintln(os.Stderr, "Server killed.")
	return nil
}

// waitForExit polls until proc is gone or timeout passes.
func waitForExit(proc *os.Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(stopPollInterval)
		if !processIsAlive(proc) {
			return true
		}
	}
	return false
}
