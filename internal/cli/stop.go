package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goosewin/gralph-sub000/internal/control"
)

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a running session",
	Long: `Stop a running gralph session.

The loop process receives SIGTERM and finishes its current iteration
before exiting. A tmux-hosted session has its tmux session killed.
The session record is marked stopped either way.

Example:
  gralph stop my-feature`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	name := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}

	sess, err := control.StopSession(st, name)
	if errors.Is(err, control.ErrNotRunning) {
		fmt.Printf("Session %s had no running process; marked stopped.\n", name)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Stopped session %s\n", sess.Name)
	return nil
}
