package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger renders structured fields as key=value pairs through a stdlib
// logger. Debug output is gated behind Verbose.
type StdLogger struct {
	inner   *log.Logger
	Verbose bool
}

// NewStdLogger wraps the given stdlib logger.
func NewStdLogger(inner *log.Logger) *StdLogger {
	return &StdLogger{inner: inner}
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l.Verbose {
		l.print("DEBUG", msg, fields)
	}
}

func (l *StdLogger) Info(msg string, fields ...Field) {
	l.print("INFO", msg, fields)
}

func (l *StdLogger) Error(msg string, fields ...Field) {
	l.print("ERROR", msg, fields)
}

func (l *StdLogger) print(level, msg string, fields []Field) {
	var sb strings.Builder
	sb.WriteString(level)
	sb.WriteByte(' ')
	sb.WriteString(msg)
	for _, f := range fields {
		sb.WriteByte(' ')
		sb.WriteString(f.Key)
		sb.WriteByte('=')
		switch v := f.Value.(type) {
		case string:
			if strings.ContainsAny(v, " \t\"") {
				sb.WriteString(fmt.Sprintf("%q", v))
			} else {
				sb.WriteString(v)
			}
		case error:
			sb.WriteString(fmt.Sprintf("%q", v.Error()))
		default:
			fmt.Fprintf(&sb, "%v", v)
		}
	}
	l.inner.Print(sb.String())
}
