package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caffeineduck/jshost/engine"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Evaluate a module and print its default export",
	Long: `Evaluate a JavaScript or TypeScript module and print its default export.

Code can be provided via:
  - File argument: jshost run main.js
  - Inline flag: jshost run -c 'export default 1 + 1'
  - Stdin: echo 'export default 1 + 1' | jshost run

Strings are printed as-is, other values as JSON. A default export that is a
promise is awaited.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runRun,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Module source to evaluate")
	cmd.Flags().String("name", "", "Module name for -c and stdin (default main.js; .ts enables TypeScript)")
	cmd.Flags().Duration("timeout", 30*time.Second, "Evaluation timeout")
	addHostFlags(cmd)
}

// errNoInput is returned when there is nothing to run; the caller shows help.
var errNoInput = errors.New("no input")

// readSource returns the module source and its file name, if any.
func readSource(cmd *cobra.Command, args []string) (source, filename string, err error) {
	code, _ := cmd.Flags().GetString("code")

	switch {
	case code != "":
		return code, "", nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", "", err
		}
		return string(data), args[0], nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		// No piped input
		return "", "", errNoInput
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", "", err
	}
	if len(data) == 0 {
		return "", "", errNoInput
	}
	return string(data), "", nil
}

func runRun(cmd *cobra.Command, args []string) error {
	source, filename, err := readSource(cmd, args)
	if errors.Is(err, errNoInput) {
		return cmd.Help()
	}
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	memory, _ := cmd.Flags().GetString("memory")
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = moduleName(filename)
	}

	cfg, err := hostConfigFromFlags(cmd, hostConfig{})
	if err != nil {
		return err
	}
	cfg.ModuleDir = "."
	if filename != "" {
		cfg.ModuleDir = filepath.Dir(filename)
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
		return err
	}
	defer c.Dispose(context.Background())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out, err := evaluate(ctx, c, source, name, engine.WithAwait(), engine.WithTimeout(timeout))
	if err != nil {
		return err
	}
	if out != "" {
		fmt.Fprintln(cmd.OutOrStdout(), out)
	}
	return nil
}
