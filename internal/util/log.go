package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger (stderr).

func LogDebug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Logger prefixes every message with a fixed name such as "[conn 0000002a]".
// The name is computed once by the owner.
type Logger struct {
	prefix string
}

func NewLogger(name string) Logger {
	return Logger{prefix: "[" + name + "] "}
}

func (l Logger) Debug(format string, args ...any) {
	pterm.DefaultLogger.Debug(l.prefix + fmt.Sprintf(format, args...))
}

func (l Logger) Info(format string, args ...any) {
	pterm.DefaultLogger.Info(l.prefix + fmt.Sprintf(format, args...))
}

func (l Logger) Warning(format string, args ...any) {
	pterm.DefaultLogger.Warn(l.prefix + fmt.Sprintf(format, args...))
}

func (l Logger) Error(format string, args ...any) {
	pterm.DefaultLogger.Error(l.prefix + fmt.Sprintf(format, args...))
}
