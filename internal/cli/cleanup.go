package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goosewin/gralph-sub000/internal/state"
)

var cleanupRemove bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Mark or remove sessions whose process has died",
	Long: `Find sessions recorded as running whose process no longer exists.

By default such sessions are marked stale. With --remove their records
are deleted from the state file entirely.

Example:
  gralph cleanup
  gralph cleanup --remove`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupRemove, "remove", false, "Delete stale session records instead of marking them")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	mode := state.CleanupMark
	if cleanupRemove {
		mode = state.CleanupRemove
	}

	touched, err := st.CleanupStale(mode)
	if err != nil {
		return err
	}

	if len(touched) == 0 {
		fmt.Println("No stale sessions found.")
		return nil
	}

	verb := "Marked stale"
	if cleanupRemove {
		verb = "Removed"
	}
	fmt.Printf("%s: %s\n", verb, strings.Join(touched, ", "))
	return nil
}
