package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level controls which log lines are emitted.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var (
	mu       sync.Mutex
	minLevel = INFO
	out      = os.Stderr
)

// SetLevel sets the minimum level that will be written.
func SetLevel(level Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = level
}

func levelName(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	default:
		return "ERROR"
	}
}

func write(level Level, component, msg string, fields map[string]any) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString(" [")
	b.WriteString(levelName(level))
	b.WriteString("] ")
	b.WriteString(component)
	b.WriteString(": ")
	b.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}

	fmt.Fprintln(out, b.String())
}

func DebugC(component, msg string) { write(DEBUG, component, msg, nil) }
func InfoC(component, msg string)  { write(INFO, component, msg, nil) }
func WarnC(component, msg string)  { write(WARN, component, msg, nil) }
func ErrorC(component, msg string) { write(ERROR, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]any) { write(DEBUG, component, msg, fields) }
func InfoCF(component, msg string, fields map[string]any)  { write(INFO, component, msg, fields) }
func WarnCF(component, msg string, fields map[string]any)  { write(WARN, component, msg, fields) }
func ErrorCF(component, msg string, fields map[string]any) { write(ERROR, component, msg, fields) }
