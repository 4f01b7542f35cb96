package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bidsflow/bidsflow/internal/tool"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the available pipelines",
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	registry, err := tool.RegisterBuiltins()
	if err != nil {
		return err
	}

	for _, name := range registry.Names() {
		t, err := registry.Resolve(name)
		if err != nil {
			return err
		}
		gpu := ""
		if t.RequiresGPU() {
			gpu = " [GPU]"
		}
		fmt.Printf("%-12s %s (default version %s)%s\n", name, t.Description(), t.DefaultVersion(), gpu)
		if dep := t.Dependency(); dep != nil {
			fmt.Printf("%-12s requires %s outputs\n", "", dep.Tool)
		}
	}
	return nil
}
