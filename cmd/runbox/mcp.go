package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/runtimes"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the sandbox as an MCP tool over stdio",
	Long: `Run an MCP server on stdin/stdout exposing a single code_run tool.
Logs go to stderr.

Example agent config:
  tools:
    code-runner:
      command: runbox
      args: [mcp]`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// maxToolOutput bounds the text handed back to the calling agent.
const maxToolOutput = 4000

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := newApp(context.Background(), appOptions{withStore: true, logTo: os.Stderr})
	if err != nil {
		return err
	}
	defer a.Close()

	return server.ServeStdio(newMCPServer(a.runtimes, a.engine))
}

func newMCPServer(reg *runtimes.Registry, eng *engine.Engine) *server.MCPServer {
	s := server.NewMCPServer("runbox", "0.1.0")

	s.AddTool(mcp.Tool{
		Name: "code_run",
		Description: fmt.Sprintf("Execute code in an isolated sandbox with no network access. Supported runtimes: %s. Default: %s.",
			strings.Join(reg.Names(), ", "), eng.DefaultRuntime()),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"runtime": map[string]any{
					"type":        "string",
					"description": "Runtime name (optional)",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Wall-clock limit in milliseconds (optional)",
				},
				"memory_limit_mb": map[string]any{
					"type":        "integer",
					"description": "Memory limit in MiB (optional)",
				},
			},
			Required: []string{"code"},
		},
	}, codeRunHandler(eng))

	return s
}

func codeRunHandler(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}

		code, ok := args["code"].(string)
		if !ok {
			return errResult("error: 'code' is required"), nil
		}
		runtime, _ := args["runtime"].(string)
		resp, err := eng.Execute(ctx, sandbox.Request{
			Code:        code,
			Runtime:     runtime,
			Timeout:     sandbox.Milliseconds(intArg(args, "timeout_ms")),
			MemoryBytes: sandbox.Mebibytes(intArg(args, "memory_limit_mb")),
		})
		if err != nil {
			var ve *sandbox.ValidationError
			if errors.As(err, &ve) || errors.Is(err, engine.ErrBusy) {
				return errResult("error: " + err.Error()), nil
			}
			return nil, err
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: formatToolOutput(resp)}},
			IsError: resp.ExitCode != 0,
		}, nil
	}
}

func formatToolOutput(resp *sandbox.Response) string {
	var output strings.Builder
	output.WriteString(resp.Stdout)
	if resp.Stderr != "" {
		if output.Len() > 0 && !strings.HasSuffix(output.String(), "\n") {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + resp.Stderr)
	}
	if resp.Status != "completed" || resp.ExitCode != 0 {
		fmt.Fprintf(&output, "\nstatus: %s, exit code: %d", resp.Status, resp.ExitCode)
	}

	text := output.String()
	if len(text) > maxToolOutput {
		n := maxToolOutput
		for n > 0 && !utf8.RuneStart(text[n]) {
			n--
		}
		text = text[:n] + "\n... (output truncated)"
	}
	return text
}

// intArg reads an integer argument. JSON numbers arrive as float64; values
// outside int64 saturate.
func intArg(args map[string]any, key string) int64 {
	f, _ := args[key].(float64)
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
