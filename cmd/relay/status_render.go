package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"relay/internal/preflight"
)

type statusKind int

const (
	statusOK statusKind = iota
	statusError
)

const (
	ansiReset = "\x1b[0m"
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiBlue  = "\x1b[34m"
)

var statusStyles = map[statusKind]struct{ label, color string }{
	statusOK:    {"OK", ansiGreen},
	statusError: {"ERROR", ansiRed},
}

// checkLabelWidth pads check names so their verdicts line up.
const checkLabelWidth = 20

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	style := statusStyles[kind]
	line := fmt.Sprintf("  %-*s [%s]", checkLabelWidth, label+":", style.label)
	if message != "" {
		line += " " + message
	}
	return paint(line, style.color, colorize)
}

// renderCheck shows a preflight result as a status line.
func renderCheck(result preflight.Result, colorize bool) string {
	if result.Passed {
		return renderStatusLine(result.Name, statusOK, result.Detail, colorize)
	}
	return renderStatusLine(result.Name, statusError, result.Detail, colorize)
}

func renderSectionHeader(title string, colorize bool) string {
	return paint("== "+title+" ==", ansiBlue, colorize)
}

func paint(s, color string, colorize bool) string {
	if !colorize || color == "" {
		return s
	}
	return color + s + ansiReset
}

// shouldColorize reports whether w is a terminal.
func shouldColorize(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
