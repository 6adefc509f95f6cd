package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// ANSI color codes, disabled when stdout is not a terminal.
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

func useColor() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

func paint(color, s string) string {
	if !useColor() {
		return s
	}
	return color + s + colorReset
}

func stamp() string {
	return time.Now().Format("15:04:05")
}

func line(color, level, tag, msg string) {
	fmt.Fprintf(os.Stdout, "%s %s %s %s\n",
		paint(colorGray, stamp()),
		paint(color, level),
		paint(colorCyan, "["+tag+"]"),
		msg)
}

// Info logs an informational message with a component tag.
func Info(tag, msg string) {
	line(colorCyan, "INFO", tag, msg)
}

// Success logs a success message.
func Success(tag, msg string) {
	line(colorGreen, " OK ", tag, msg)
}

// Warn logs a warning.
func Warn(tag, msg string) {
	line(colorYellow, "WARN", tag, msg)
}

// Error logs an error.
func Error(tag, msg string) {
	line(colorRed, "FAIL", tag, msg)
}

// Banner prints the startup banner with the build version.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	fmt.Fprintln(os.Stdout, paint(colorCyan, "  mab-api - traffic allocation service"))
	fmt.Fprintln(os.Stdout, paint(colorGray, "  version "+version))
	fmt.Fprintln(os.Stdout)
}

// Section prints a visual divider for grouped output.
func Section(name string) {
	fmt.Fprintf(os.Stdout, "\n%s %s\n", paint(colorGray, "──"), paint(colorCyan, name))
}

// Stats prints a key/value pair, aligned for readability.
func Stats(key string, value interface{}) {
	fmt.Fprintf(os.Stdout, "    %-24s %v\n", key, value)
}

// Server announces the listen address once the HTTP server is up.
func Server(addr string) {
	Success("Server", fmt.Sprintf("Listening on http://%s", addr))
}
