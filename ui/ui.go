// Package ui holds the terminal helpers of the operator CLI: ANSI colored
// output and single-key prompts.
package ui

import (
	"fmt"
	"io"
	"os"
)

// ANSI escapes used across the CLI.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[92m"
	colorWarn   = "\033[93m"
)

// Out receives all colored output. Tests swap it for a buffer.
var Out io.Writer = os.Stdout

func colorf(color, format string, a ...interface{}) {
	fmt.Fprint(Out, color+fmt.Sprintf(format, a...)+colorReset)
}

// RedWriter colors everything written through it red; the CLI routes the
// standard logger through one.
type RedWriter struct{ w io.Writer }

func (r RedWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(r.w, colorRed+string(p)+colorReset); err != nil {
		return 0, err
	}
	return len(p), nil
}

func NewRedWriter(w io.Writer) RedWriter { return RedWriter{w: w} }

// Debugf prints a yellow [DEBUG] line when enabled.
func Debugf(enabled bool, format string, a ...interface{}) {
	if enabled {
		colorf(colorYellow, "[DEBUG] "+format, a...)
	}
}

func Greenf(format string, a ...interface{}) { colorf(colorGreen, format, a...) }

func Warningf(format string, a ...interface{}) { colorf(colorWarn, format, a...) }

// ClearScreen clears the terminal and homes the cursor.
func ClearScreen() {
	fmt.Fprint(Out, "\033[2J\033[1;1H")
}
