package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/runtimes"
)

var runtimesCmd = &cobra.Command{
	Use:   "runtimes",
	Short: "List available runtimes",
	Long: `List the built-in runtimes plus any profiles found in the configured
runtimes directory. A profile in the directory replaces a built-in of the
same name.`,
	RunE: runRuntimes,
}

func init() {
	rootCmd.AddCommand(runtimesCmd)
}

func runRuntimes(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	reg, err := runtimes.Builtin()
	if err != nil {
		return err
	}
	if _, err := reg.LoadDir(cfg.Sandbox.RuntimesDir); err != nil {
		return err
	}

	fmt.Printf("%-10s %-20s %s\n", "NAME", "IMAGE", "COMMAND")
	fmt.Println(strings.Repeat("─", 70))
	for _, name := range reg.Names() {
		p, err := reg.Get(name)
		if err != nil {
			continue
		}
		marker := ""
		if name == cfg.Sandbox.Runtime {
			marker = " (default)"
		}
		fmt.Printf("%-10s %-20s %s%s\n", name, p.Image, strings.Join(p.Command("/workspace", "{fault}", cfg.Sandbox.Limits.MemoryMB), " "), marker)
	}
	return nil
}
