package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu       sync.Mutex
	minLevel = LevelInfo
	useColor = true
	out      = os.Stderr
)

const (
	colorReset  = "\x1b[0m"
	colorDebug  = "\x1b[90m"
	colorInfo   = "\x1b[32m"
	colorWarn   = "\x1b[33m"
	colorError  = "\x1b[31m"
	colorModule = "\x1b[34m"
)

func init() {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("VX_LOG_LEVEL"))) {
	case "debug":
		minLevel = LevelDebug
	case "warn":
		minLevel = LevelWarn
	case "error":
		minLevel = LevelError
	}
	if os.Getenv("NO_COLOR") != "" {
		useColor = false
	}
}

// SetLevel overrides the minimum level, mainly for tests.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

func (l Level) label() (string, string) {
	switch l {
	case LevelDebug:
		return "DEBUG", colorDebug
	case LevelInfo:
		return "INFO", colorInfo
	case LevelWarn:
		return "WARN", colorWarn
	default:
		return "ERROR", colorError
	}
}

func log(level Level, component, msg string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel {
		return
	}

	label, color := level.label()
	ts := time.Now().Format("15:04:05")

	var b strings.Builder
	if useColor {
		fmt.Fprintf(&b, "%s %s%-5s%s %s[%s]%s %s", ts, color, label, colorReset, colorModule, component, colorReset, msg)
	} else {
		fmt.Fprintf(&b, "%s %-5s [%s] %s", ts, label, component, msg)
	}

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')

	fmt.Fprint(out, b.String())
}

// DebugC logs a debug message tagged with a component.
func DebugC(component, msg string) { log(LevelDebug, component, msg, nil) }

// DebugCF logs a debug message with structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	log(LevelDebug, component, msg, fields)
}

// InfoC logs an info message tagged with a component.
func InfoC(component, msg string) { log(LevelInfo, component, msg, nil) }

// InfoCF logs an info message with structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	log(LevelInfo, component, msg, fields)
}

// WarnC logs a warning tagged with a component.
func WarnC(component, msg string) { log(LevelWarn, component, msg, nil) }

// WarnCF logs a warning with structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	log(LevelWarn, component, msg, fields)
}

// ErrorC logs an error tagged with a component.
func ErrorC(component, msg string) { log(LevelError, component, msg, nil) }

// ErrorCF logs an error with structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	log(LevelError, component, msg, fields)
}
