package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders executions as a markdown table.
func ExportMarkdown(execs []Execution) string {
	var b strings.Builder

	b.WriteString("| ID | Runtime | Status | Exit | Duration | Output | Created |\n")
	b.WriteString("|----|---------|--------|------|----------|--------|---------|\n")
	for _, e := range execs {
		status := e.Status
		if e.Resource != "" {
			status += " (" + e.Resource + ")"
		}
		output := fmt.Sprintf("%d/%d", e.StdoutBytes, e.StderrBytes)
		if e.Truncated {
			output += " truncated"
		}
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %dms | %s | %s |\n",
			shortID(e.ID), e.Runtime, status, e.ExitCode, e.DurationMS, output,
			e.CreatedAt.Local().Format("2006-01-02 15:04:05")))
	}

	return b.String()
}

// ExportJSON renders executions as formatted JSON.
func ExportJSON(execs []Execution) ([]byte, error) {
	if execs == nil {
		execs = []Execution{}
	}
	return json.MarshalIndent(execs, "", "  ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
