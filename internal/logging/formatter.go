package logging

import (
	"bytes"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const noRequestID = "--------"

// LogFormatter renders one line per entry:
//
//	[2026-01-12 20:14:04] [a1b2c3d4] [warn ] [supervisor.go:212] sidecar: personal server exited port=8080 code=1
//
// The component field becomes the message prefix. run_id, pid, port, route, status, reason
// and error follow in that order, then any remaining fields sorted by key.
type LogFormatter struct{}

var leadingFields = []string{"run_id", "pid", "port", "route", "status", "reason", "error"}

var hiddenFields = map[string]bool{"component": true, "request_id": true}

// Format implements log.Formatter.
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	buf := entry.Buffer
	if buf == nil {
		buf = &bytes.Buffer{}
	}

	reqID, _ := entry.Data["request_id"].(string)
	if reqID == "" {
		reqID = noRequestID
	}
	buf.WriteString("[" + entry.Time.Format("2006-01-02 15:04:05") + "] ")
	buf.WriteString("[" + reqID + "] ")
	buf.WriteString("[" + levelLabel(entry.Level) + "] ")
	if entry.Caller != nil {
		fmt.Fprintf(buf, "[%s:%d] ", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	if component, ok := entry.Data["component"].(string); ok && component != "" {
		buf.WriteString(component + ": ")
	}
	buf.WriteString(strings.TrimRight(entry.Message, "\r\n"))

	for _, key := range fieldKeys(entry.Data) {
		buf.WriteByte(' ')
		buf.WriteString(key)
		buf.WriteByte('=')
		buf.WriteString(fieldValue(entry.Data[key]))
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func levelLabel(level log.Level) string {
	name := level.String()
	if level == log.WarnLevel {
		name = "warn"
	}
	return fmt.Sprintf("%-5s", name)
}

func fieldKeys(data log.Fields) []string {
	keys := make([]string, 0, len(data))
	for _, k := range leadingFields {
		if _, ok := data[k]; ok {
			keys = append(keys, k)
		}
	}
	rest := make([]string, 0, len(data))
	for k := range data {
		if hiddenFields[k] || slices.Contains(leadingFields, k) {
			continue
		}
		rest = append(rest, k)
	}
	slices.Sort(rest)
	return append(keys, rest...)
}

func fieldValue(v any) string {
	var s string
	switch val := v.(type) {
	case error:
		s = val.Error()
	case string:
		s = val
	default:
		s = fmt.Sprint(val)
	}
	if s == "" || strings.ContainsAny(s, " =\"\t\n") {
		return strconv.Quote(s)
	}
	return s
}

// Component returns a logger entry tagged with the owning subsystem.
func Component(name string) *log.Entry {
	return log.WithField("component", name)
}
