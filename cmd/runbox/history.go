package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/storage"
)

var (
	statusFilter  string
	runtimeFilter string
	limitFlag     int
	exportFormat  string
	exportOutput  string
	olderThanFlag time.Duration
	forceFlag     bool
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"hist", "h"},
	Short:   "Inspect the execution audit log",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded executions",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show one execution (ID or unique prefix)",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export executions as markdown or JSON",
	RunE:  runHistoryExport,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete executions older than --older-than",
	RunE:  runHistoryPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyExportCmd, historyPruneCmd)

	for _, c := range []*cobra.Command{historyListCmd, historyExportCmd} {
		c.Flags().StringVar(&statusFilter, "status", "", "Filter by status (completed, runtime_error, timed_out, resource_limit_exceeded, internal_error)")
		c.Flags().StringVar(&runtimeFilter, "runtime", "", "Filter by runtime")
		c.Flags().IntVar(&limitFlag, "limit", 20, "Max executions to show")
	}

	historyExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	historyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	historyPruneCmd.Flags().DurationVar(&olderThanFlag, "older-than", 30*24*time.Hour, "Age cutoff")
	historyPruneCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func listOptions() storage.ListOptions {
	return storage.ListOptions{
		Status:  statusFilter,
		Runtime: runtimeFilter,
		Limit:   limitFlag,
	}
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	execs, err := store.ListExecutions(context.Background(), listOptions())
	if err != nil {
		return err
	}

	if len(execs) == 0 {
		fmt.Println("No executions found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-24s %-8s %-6s %-9s %s\n", "ID", "STATUS", "RUNTIME", "EXIT", "DURATION", "WHEN")
	fmt.Println(strings.Repeat("─", 75))

	for _, e := range execs {
		status := e.Status
		if e.Resource != "" {
			status += "/" + e.Resource
		}
		fmt.Printf("%-10s %-24s %-8s %-6d %-9s %s\n",
			e.ID[:8], status, e.Runtime, e.ExitCode, fmt.Sprintf("%dms", e.DurationMS), timeAgo(e.CreatedAt))
	}

	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := store.GetExecution(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Execution: %s\n", e.ID)
	fmt.Printf("Status:    %s\n", e.Status)
	if e.Resource != "" {
		fmt.Printf("Resource:  %s\n", e.Resource)
	}
	fmt.Printf("Exit code: %d\n", e.ExitCode)
	fmt.Printf("Runtime:   %s (%s backend)\n", e.Runtime, e.Backend)
	fmt.Printf("Duration:  %dms\n", e.DurationMS)
	fmt.Printf("Code:      %d bytes, sha256 %s\n", e.CodeBytes, e.CodeSHA256)
	fmt.Printf("Output:    %d bytes stdout, %d bytes stderr", e.StdoutBytes, e.StderrBytes)
	if e.Truncated {
		fmt.Print(" (truncated)")
	}
	fmt.Println()
	fmt.Printf("Created:   %s\n", e.CreatedAt.Format(time.RFC3339))
	return nil
}

func runHistoryExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	execs, err := store.ListExecutions(context.Background(), listOptions())
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(execs)
		if err != nil {
			return err
		}
		output = string(data)
	default:
		output = storage.ExportMarkdown(execs)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().Add(-olderThanFlag)
	if !forceFlag {
		fmt.Printf("Delete executions recorded before %s? [y/N] ", cutoff.Format(time.RFC3339))
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	n, err := store.Prune(context.Background(), cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d executions\n", n)
	return nil
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
