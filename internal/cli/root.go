// Package cli implements the gralph command line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/goosewin/gralph-sub000/internal/logging"
	"github.com/goosewin/gralph-sub000/internal/state"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	verbose  bool
	stateDir string
)

var rootCmd = &cobra.Command{
	Use:   "gralph",
	Short: "Ralph loop runner for coding agent CLIs",
	Long: `Gralph drives a coding agent CLI (claude, codex) in a loop against a
markdown task checklist. Each iteration prompts the agent with the next
unchecked task; the loop ends when the agent signals completion with
every task checked off, or when the iteration budget runs out.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logging.SetLevel(logging.LevelDebug)
		}
	},
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("gralph version {{.Version}}\n")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Session state directory (default ~/.gralph)")
}

// openStore builds the session store honoring --state-dir.
func openStore() (*state.Store, error) {
	st := state.NewStore(state.Options{Dir: stateDir})
	if err := st.Init(); err != nil {
		return nil, err
	}
	return st, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
