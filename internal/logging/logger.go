// Package logging provides leveled printf-style logging backed by hclog.
//
// Messages below the configured level are dropped. Components take a named
// child logger so each line carries its origin, e.g. "loom.channel".
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Level represents a log level
type Level int

const (
	// LevelDebug is the debug log level
	LevelDebug Level = iota
	// LevelInfo is the info log level
	LevelInfo
	// LevelWarn is the warn log level
	LevelWarn
	// LevelError is the error log level
	LevelError
)

var levels = []struct {
	name    string
	aliases []string
	hc      hclog.Level
}{
	LevelDebug: {"DEBUG", []string{"debug"}, hclog.Debug},
	LevelInfo:  {"INFO", []string{"info"}, hclog.Info},
	LevelWarn:  {"WARN", []string{"warn", "warning"}, hclog.Warn},
	LevelError: {"ERROR", []string{"error"}, hclog.Error},
}

func (l Level) valid() bool {
	return l >= LevelDebug && int(l) < len(levels)
}

func (l Level) String() string {
	if !l.valid() {
		return "UNKNOWN"
	}
	return levels[l].name
}

// ParseLevel maps a level name to a Level. Unknown names yield LevelInfo.
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, def := range levels {
		for _, alias := range def.aliases {
			if s == alias {
				return Level(l)
			}
		}
	}
	return LevelInfo
}

func (l Level) hclog() hclog.Level {
	if !l.valid() {
		return hclog.Info
	}
	return levels[l].hc
}

// Logger provides leveled printf-style logging.
type Logger struct {
	level Level
	hl    hclog.Logger
}

// New creates a Logger writing to output, or to stderr when output is nil.
func New(level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stderr
	}
	hl := hclog.New(&hclog.LoggerOptions{
		Name:       "loom",
		Level:      level.hclog(),
		Output:     output,
		TimeFormat: "2006/01/02 15:04:05",
	})
	return &Logger{level: level, hl: hl}
}

// NewFromString is New with the level given by name.
func NewFromString(levelStr string, output io.Writer) *Logger {
	return New(ParseLevel(levelStr), output)
}

// Discard returns a Logger that drops every message.
func Discard() *Logger {
	return &Logger{level: LevelError, hl: hclog.NewNullLogger()}
}

// OrDiscard returns l, or a discarding Logger when l is nil.
func OrDiscard(l *Logger) *Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// Named returns a child logger whose lines are prefixed with name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{level: l.level, hl: l.hl.Named(name)}
}

func (l *Logger) logf(level hclog.Level, format string, v []interface{}) {
	if l.hl.GetLevel() > level {
		return
	}
	l.hl.Log(level, fmt.Sprintf(format, v...))
}

func (l *Logger) Debug(format string, v ...interface{}) { l.logf(hclog.Debug, format, v) }

func (l *Logger) Info(format string, v ...interface{}) { l.logf(hclog.Info, format, v) }

func (l *Logger) Warn(format string, v ...interface{}) { l.logf(hclog.Warn, format, v) }

func (l *Logger) Error(format string, v ...interface{}) { l.logf(hclog.Error, format, v) }

// SetLevel changes the level of l and of every logger named from it.
func (l *Logger) SetLevel(level Level) {
	l.level = level
	l.hl.SetLevel(level.hclog())
}

// GetLevel returns the level last set on l.
func (l *Logger) GetLevel() Level {
	return l.level
}
