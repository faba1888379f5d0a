package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactively submit snippets to the sandbox",
	Long: `Start an interactive session. Type code over one or more lines and
submit it with an empty line. Every submission runs in a fresh context;
nothing carries over between them.

Examples:
  runbox repl
  runbox repl --runtime node`,
	RunE: runRepl,
}

var replRuntimeFlag string

func init() {
	replCmd.Flags().StringVarP(&replRuntimeFlag, "runtime", "r", "", "Runtime to start with")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	a, err := newApp(context.Background(), appOptions{withStore: true})
	if err != nil {
		return err
	}
	defer a.Close()

	runtime := replRuntimeFlag
	if runtime == "" {
		runtime = a.engine.DefaultRuntime()
	}
	if _, err := a.runtimes.Get(runtime); err != nil {
		return err
	}

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          replPrompt(runtime),
		HistoryFile:     filepath.Join(home, ".runbox", "repl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("runbox repl | backend: %s | runtime: %s\n", a.engine.Stats().Backend, runtime)
	fmt.Printf("Submit with an empty line. Type /help for commands, /quit to exit\n\n")

	// Ctrl+C while a submission runs abandons it, not the whole session.
	var cancelRun context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if cancelRun != nil {
				cancelRun()
			}
		}
	}()

	var buf strings.Builder
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && buf.Len() > 0 {
				buf.Reset()
				rl.SetPrompt(replPrompt(runtime))
				continue
			}
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		if buf.Len() == 0 && strings.HasPrefix(strings.TrimSpace(line), "/") {
			if quit := handleReplCommand(a, strings.TrimSpace(line), &runtime); quit {
				return nil
			}
			rl.SetPrompt(replPrompt(runtime))
			continue
		}

		if strings.TrimSpace(line) != "" {
			buf.WriteString(line)
			buf.WriteByte('\n')
			rl.SetPrompt("... ")
			continue
		}
		if buf.Len() == 0 {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancelRun = cancel
		resp, err := a.engine.Execute(ctx, sandbox.Request{Code: buf.String(), Runtime: runtime})
		cancel()
		cancelRun = nil
		buf.Reset()
		rl.SetPrompt(replPrompt(runtime))

		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			continue
		}
		printReplResult(resp)
	}
}

func replPrompt(runtime string) string {
	return fmt.Sprintf("\033[36m%s>\033[0m ", runtime)
}

func printReplResult(resp *sandbox.Response) {
	if resp.Stdout != "" {
		fmt.Print(resp.Stdout)
	}
	if resp.Stderr != "" {
		fmt.Printf("\033[31m%s\033[0m", resp.Stderr)
	}
	fmt.Printf("\033[90m[%s exit=%d %dms", resp.Status, resp.ExitCode, resp.DurationMS)
	if resp.Truncated {
		fmt.Print(" truncated")
	}
	fmt.Printf("]\033[0m\n\n")
}

func handleReplCommand(a *app, input string, runtime *string) bool {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/runtime":
		if len(fields) < 2 {
			fmt.Printf("Runtime: %s (available: %s)\n\n", *runtime, strings.Join(a.runtimes.Names(), ", "))
			break
		}
		if _, err := a.runtimes.Get(fields[1]); err != nil {
			fmt.Printf("%s\n\n", err)
			break
		}
		*runtime = fields[1]
	case "/stats":
		s := a.engine.Stats()
		fmt.Printf("running=%d waiting=%d completed=%d live=%d\n\n", s.Running, s.Waiting, s.Completed, s.LiveContexts)
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /runtime [name]  - Show or switch the runtime")
		fmt.Println("  /stats           - Show engine counters")
		fmt.Println("  /help            - Show this help")
		fmt.Println("  /quit            - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}
