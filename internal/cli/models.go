package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goosewin/gralph-sub000/internal/backend"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List available backends and their known models",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	for _, name := range backend.Names() {
		adapter, err := backend.For(name)
		if err != nil {
			return err
		}

		installed := "not installed"
		if adapter.CheckInstalled() {
			installed = "installed"
		}
		fmt.Printf("%s (%s)\n", name, installed)
		for _, model := range adapter.Models() {
			fmt.Printf("  %s\n", model)
		}
	}
	return nil
}
