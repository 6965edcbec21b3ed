// Package log configures the process-wide zerolog logger and implements
// the fixed-width, truncated line format components are expected to emit.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the configured minimum severity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

const (
	componentWidth = 14
	maxLineLen     = 500
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// debugComponents holds the set of component names forced to debug
// level regardless of the global level, from Config.DebugComponents.
var debugComponents map[string]bool

// Traceback reports whether a full stack trace should be attached to
// isolated worker panics, set by Config.Traceback.
var Traceback bool

// Config holds logging configuration.
type Config struct {
	Level Level
	// File, if non-empty, directs output through a lumberjack rotating
	// writer instead of stdout.
	File       string
	MaxAgeDays int
	NoANSI     bool
	Output     io.Writer
	// DebugComponents names components that always log at debug level,
	// regardless of Level.
	DebugComponents []string
	// Traceback enables stack traces on isolated worker panics.
	Traceback bool
}

// Init initializes the global logger with the component-tagged,
// middle-truncated console format.
func Init(cfg Config) {
	lvl := parseLevel(cfg.Level)
	// The global level is left permissive; per-logger Level calls below
	// do the real gating so a debug-enabled component isn't silenced by
	// a stricter process-wide level.
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var output io.Writer
	switch {
	case cfg.Output != nil:
		output = cfg.Output
	case cfg.File != "":
		output = &lumberjack.Logger{
			Filename: cfg.File,
			MaxAge:   maxAgeOrDefault(cfg.MaxAgeDays),
			Compress: true,
		}
	default:
		output = os.Stdout
	}

	noColor := cfg.NoANSI || os.Getenv("YAMC_NO_ANSI") != ""
	writer := zerolog.ConsoleWriter{
		Out:        output,
		NoColor:    noColor,
		TimeFormat: "2006-01-02 15:04:05",
		FormatLevel: func(i interface{}) string {
			return fmt.Sprintf("[%-5s]", strings.ToUpper(fmt.Sprint(i)))
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("%s=", i)
		},
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			"component",
			zerolog.LevelFieldName,
			zerolog.MessageFieldName,
		},
		FormatExtra: nil,
	}
	writer.FormatMessage = func(i interface{}) string {
		return truncateMiddle(fmt.Sprint(i), maxLineLen)
	}
	Logger = zerolog.New(writer).With().Timestamp().Logger().Level(lvl)

	debugComponents = make(map[string]bool, len(cfg.DebugComponents))
	for _, name := range cfg.DebugComponents {
		name = strings.TrimSpace(name)
		if name != "" {
			debugComponents[name] = true
		}
	}
	Traceback = cfg.Traceback
}

func maxAgeOrDefault(days int) int {
	if days <= 0 {
		return 30
	}
	return days
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a child logger tagged with a fixed-width,
// truncated component name, matching the "[<14-char-name>]" header. A
// component named in YAMC_DEBUG_PARAMS logs at debug level regardless
// of the process-wide level.
func WithComponent(name string) zerolog.Logger {
	l := Logger.With().Str("component", padComponent(name)).Logger()
	if debugComponents[name] {
		l = l.Level(zerolog.DebugLevel)
	}
	return l
}

func padComponent(name string) string {
	if len(name) >= componentWidth {
		return name[:componentWidth]
	}
	return name + strings.Repeat(" ", componentWidth-len(name))
}

// truncateMiddle shortens s to at most max characters by removing its
// center and splicing in an ellipsis, preserving head and tail context.
func truncateMiddle(s string, max int) string {
	if len(s) <= max {
		return s
	}
	sep := " … "
	keep := max - len(sep)
	head := keep/2 + keep%2
	tail := keep / 2
	return s[:head] + sep + s[len(s)-tail:]
}

// Now exists so callers can stamp log-adjacent data consistently without
// reaching for time.Now directly in every package.
func Now() time.Time { return time.Now() }
