// Package report prints verification results.
package report

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/prepost/prepost/pkg/artifact"
	"github.com/prepost/prepost/pkg/verify"
)

const (
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiBold  = "\x1b[1m"
	ansiReset = "\x1b[0m"
)

// Stdout returns a writer for standard output and whether it should be
// colorized, according to mode ("auto", "always" or "never").
func Stdout(mode string) (io.Writer, bool, error) {
	switch mode {
	case "never":
		return os.Stdout, false, nil
	case "always":
		return colorable.NewColorableStdout(), true, nil
	case "auto", "":
		if isatty.IsTerminal(os.Stdout.Fd()) {
			return colorable.NewColorableStdout(), true, nil
		}
		return os.Stdout, false, nil
	}
	return nil, false, fmt.Errorf("unknown color mode %q", mode)
}

func paint(color bool, esc, s string) string {
	if !color {
		return s
	}
	return esc + s + ansiReset
}

// Summary counts passed and failed results.
func Summary(results []verify.Result) (passed, failed int) {
	for _, r := range results {
		if r.Passed() {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// Print writes one line per result followed by a summary line.
func Print(w io.Writer, results []verify.Result, color bool) error {
	for _, r := range results {
		var err error
		if r.Passed() {
			_, err = fmt.Fprintf(w, "%s %s (delta %d)\n", paint(color, ansiGreen, "PASS"), r.Case, r.Actual)
		} else {
			_, err = fmt.Fprintf(w, "%s %v\n", paint(color, ansiRed, "FAIL"), r.Err())
		}
		if err != nil {
			return err
		}
	}
	passed, failed := Summary(results)
	summary := fmt.Sprintf("%d passed, %d failed", passed, failed)
	if failed > 0 {
		summary = paint(color, ansiBold+ansiRed, summary)
	} else {
		summary = paint(color, ansiBold+ansiGreen, summary)
	}
	_, err := fmt.Fprintln(w, summary)
	return err
}

// PrintSizes writes a table of method sizes.
func PrintSizes(w io.Writer, methods []artifact.Method) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	for _, m := range methods {
		size := "-"
		if m.HasCode {
			size = fmt.Sprint(m.CodeUnits)
		}
		fmt.Fprintf(tw, "%s\t  %s%s\n", size, m.Name, m.Proto)
	}
	return tw.Flush()
}
