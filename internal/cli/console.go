package cli

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

// console prints user-facing status lines through pterm's prefix printers.
type console struct {
	w io.Writer
}

func (c console) info(format string, a ...any) {
	pterm.Info.WithWriter(c.w).Printfln(format, a...)
}

func (c console) success(format string, a ...any) {
	pterm.Success.WithWriter(c.w).Printfln(format, a...)
}

func (c console) warn(format string, a ...any) {
	pterm.Warning.WithWriter(c.w).Printfln(format, a...)
}

func (c console) fail(format string, a ...any) {
	pterm.Error.WithWriter(c.w).Printfln(format, a...)
}

func (c console) stage(name, format string, a ...any) {
	fmt.Fprintf(c.w, "%s: %s\n", pterm.LightCyan(name), fmt.Sprintf(format, a...))
}
