package logging

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SourceLocation is where a log call was made
type SourceLocation struct {
	File     string
	Line     int
	Function string
}

// LogEntry is one structured log record before formatting
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Component string
	Source    SourceLocation
	Message   string
	Context   Fields
}

// LogFormatter renders entries as single text lines
type LogFormatter struct {
	TimeLayout string
}

// NewLogFormatter creates a formatter with the default timestamp layout
func NewLogFormatter() *LogFormatter {
	return &LogFormatter{TimeLayout: "2006-01-02 15:04:05"}
}

// Format renders an entry as:
//
//	[YYYY-MM-DD HH:MM:SS] LEVEL [component] file.go:line function message key=value ...
//
// Context keys are written in sorted order.
func (f *LogFormatter) Format(entry LogEntry) string {
	var sb strings.Builder

	sb.WriteByte('[')
	sb.WriteString(entry.Timestamp.Format(f.TimeLayout))
	sb.WriteString("] ")
	sb.WriteString(entry.Level.String())
	sb.WriteString(" [")
	sb.WriteString(entry.Component)
	sb.WriteString("] ")
	fmt.Fprintf(&sb, "%s:%d %s ", entry.Source.File, entry.Source.Line, entry.Source.Function)
	sb.WriteString(sanitizeMessage(entry.Message))

	if len(entry.Context) > 0 {
		keys := make([]string, 0, len(entry.Context))
		for k := range entry.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%s", k, sanitizeMessage(fmt.Sprintf("%v", entry.Context[k])))
		}
	}

	sb.WriteByte('\n')
	return sb.String()
}

// sanitizeMessage replaces control characters other than \n and \t with a
// space so that file names and error text cannot forge log lines.
func sanitizeMessage(msg string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, msg)
}
