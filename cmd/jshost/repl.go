package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caffeineduck/jshost/engine"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL over one persistent context",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) session.

Each entry is evaluated as its own module in one shared context. An entry
without exports is tried as an expression first. Module bindings do not
outlive their entry; assign to globalThis to keep values around.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	RunE:          runRepl,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.jshost_history)")
	replCmd.Flags().String("module-dir", ".", "Directory served to relative imports")
	addHostFlags(replCmd)
	rootCmd.AddCommand(replCmd)
}

var exportPattern = regexp.MustCompile(`(^|[\s;])export\s`)

// replSession evaluates REPL entries in one context.
type replSession struct {
	context *engine.Context
	entries int
}

// eval runs one entry. Input that has no export statement is first wrapped
// as a default-exported expression; when that does not parse it runs as
// plain statements.
func (s *replSession) eval(ctx context.Context, input string) (string, error) {
	if !exportPattern.MatchString(input) {
		s.entries++
		out, err := evaluate(ctx, s.context, "export default (\n"+input+"\n);", s.name(), engine.WithAwait())
		if !errors.Is(err, engine.ErrParse) {
			return out, err
		}
	}
	s.entries++
	return evaluate(ctx, s.context, input, s.name(), engine.WithAwait())
}

func (s *replSession) name() string {
	return fmt.Sprintf("repl-%d.js", s.entries)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	moduleDir, _ := cmd.Flags().GetString("module-dir")
	memory, _ := cmd.Flags().GetString("memory")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".jshost_history")
	}

	cfg, err := hostConfigFromFlags(cmd, hostConfig{ModuleDir: moduleDir})
	if err != nil {
		return err
	}
	env, err := cfg.build()
	if err != nil {
		return err
	}
	eng, err := newEngine(cmd, env, cmd.OutOrStdout(), memory)
	if err != nil {
		return err
	}
	defer eng.Dispose()

	c, err := eng.NewContext()
	if err != nil {
		return fmt.Errorf("starting context: %w", err)
	}
	defer c.Dispose(context.Background())
	session := &replSession{context: c}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(os.Stderr, "jshost REPL (type 'exit' to quit, Ctrl+D to exit)")

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt("> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		// Handle multi-line input
		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt("> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		out, err := session.eval(context.Background(), line)
		if err != nil {
			printError(os.Stderr, err)
			continue
		}
		if out != "" {
			fmt.Fprintln(cmd.OutOrStdout(), out)
		}
	}
	return nil
}
