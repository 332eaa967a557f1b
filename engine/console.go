package engine

import (
	"fmt"
	"io"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// consolePrinter routes console output to the logger and, when set, to an
// output writer.
type consolePrinter struct {
	log *zap.Logger
	out io.Writer
	mu  *sync.Mutex
}

func newConsolePrinter(log *zap.Logger, out io.Writer) consolePrinter {
	return consolePrinter{log: log, out: out, mu: new(sync.Mutex)}
}

func (p consolePrinter) Log(s string)   { p.print(zap.InfoLevel, s) }
func (p consolePrinter) Warn(s string)  { p.print(zap.WarnLevel, s) }
func (p consolePrinter) Error(s string) { p.print(zap.ErrorLevel, s) }

func (p consolePrinter) print(level zapcore.Level, s string) {
	if p.out == nil {
		p.log.Log(level, s, zap.String("source", "console"))
		return
	}
	p.log.Debug(s, zap.String("source", "console"), zap.Stringer("level", level))
	p.mu.Lock()
	fmt.Fprintln(p.out, s)
	p.mu.Unlock()
}

// enableConsole installs the console global. The require function the
// registry adds is removed again; imports go through the module resolver.
func enableConsole(vm *goja.Runtime, printer consolePrinter) {
	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(printer))
	registry.Enable(vm)
	console.Enable(vm)
	_ = vm.GlobalObject().Delete("require")
}
