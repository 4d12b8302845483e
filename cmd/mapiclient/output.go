package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset = "\033[0m"
	ansiRed   = "\033[31m"
	ansiGreen = "\033[32m"
	ansiCyan  = "\033[36m"
	ansiBold  = "\033[1m"
	ansiDim   = "\033[2m"
)

var colorsEnabled = true

func init() {
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
	}
}

func colorize(color, text string) string {
	if !colorsEnabled {
		return text
	}
	return color + text + ansiReset
}

func colorRed(text string) string   { return colorize(ansiRed, text) }
func colorGreen(text string) string { return colorize(ansiGreen, text) }
func colorCyan(text string) string  { return colorize(ansiCyan, text) }
func colorBold(text string) string  { return colorize(ansiBold, text) }
func colorDim(text string) string   { return colorize(ansiDim, text) }

func printSuccess(w io.Writer, message string) {
	fmt.Fprintln(w, colorGreen("✓")+" "+message)
}

func printError(w io.Writer, message string) {
	fmt.Fprintln(w, colorRed("✗")+" "+message)
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, "\n"+colorBold(colorCyan(title)))
	fmt.Fprintln(w, colorDim(strings.Repeat("─", 40)))
}

// printTable pads on rune counts so color codes and multi-byte text keep
// the columns aligned.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && utf8.RuneCountInString(cell) > widths[i] {
				widths[i] = utf8.RuneCountInString(cell)
			}
		}
	}

	cells := func(row []string, style func(string) string) {
		var b strings.Builder
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(style(cell))
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell)))
			}
		}
		fmt.Fprintln(w, b.String())
	}

	cells(headers, colorBold)
	sep := make([]string, len(widths))
	for i, width := range widths {
		sep[i] = strings.Repeat("─", width)
	}
	cells(sep, colorDim)
	for _, row := range rows {
		cells(row, func(s string) string { return s })
	}
}
