package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

var (
	runRuntimeFlag string
	runTimeoutFlag time.Duration
	runMemoryFlag  int64
	runJSONFlag    bool
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute a file (or stdin) in a sandbox",
	Long: `Execute one submission and print its output.

The runtime is taken from --runtime, then the file extension, then the
configured default. runbox exits with the submission's reported exit code.

Examples:
  runbox run script.py
  echo 'console.log(1+1)' | runbox run --runtime node
  runbox run --timeout 2s --memory 64 --json script.py`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runRuntimeFlag, "runtime", "r", "", "Runtime to use (see 'runbox runtimes')")
	runCmd.Flags().DurationVar(&runTimeoutFlag, "timeout", 0, "Wall-clock limit (default from config)")
	runCmd.Flags().Int64Var(&runMemoryFlag, "memory", 0, "Memory limit in MiB (default from config)")
	runCmd.Flags().BoolVar(&runJSONFlag, "json", false, "Print the full result as JSON")
	rootCmd.AddCommand(runCmd)
}

var extRuntimes = map[string]string{
	".py": "python",
	".js": "node",
	".sh": "sh",
}

func runRun(cmd *cobra.Command, args []string) error {
	var (
		code []byte
		err  error
	)
	if len(args) == 1 && args[0] != "-" {
		code, err = os.ReadFile(args[0])
	} else {
		code, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading submission: %w", err)
	}

	runtime := runRuntimeFlag
	if runtime == "" && len(args) == 1 {
		runtime = extRuntimes[strings.ToLower(filepath.Ext(args[0]))]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{withStore: true})
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.engine.Execute(ctx, sandbox.Request{
		Code:        string(code),
		Runtime:     runtime,
		Timeout:     runTimeoutFlag,
		MemoryBytes: sandbox.Mebibytes(runMemoryFlag),
	})
	if err != nil {
		return err
	}

	if runJSONFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	} else {
		fmt.Fprint(os.Stdout, resp.Stdout)
		fmt.Fprint(os.Stderr, resp.Stderr)
	}

	if resp.ExitCode != 0 {
		a.Close()
		os.Exit(resp.ExitCode)
	}
	return nil
}
