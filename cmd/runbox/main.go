package main

import (
	"fmt"
	"os"

	"github.com/moby/sys/reexec"
	"github.com/spf13/cobra"
)

var (
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox - sandboxed code execution",
	Long: `runbox runs untrusted snippets in a fresh, isolated execution context
and reports what happened: the program's output, its exit code, and whether
it finished, failed, timed out, or hit a resource limit.

It can serve an HTTP API, run a single file, or act as an MCP tool server.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./runbox.yaml, ~/.runbox/runbox.yaml, /etc/runbox/runbox.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (overrides config)")
}

func main() {
	// The sandbox re-executes this binary to set up each context.
	if reexec.Init() {
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
