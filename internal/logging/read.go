package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
)

// Entry is one parsed line of a controlroom log file.
type Entry struct {
	Time      time.Time
	Level     string
	Message   string
	Project   string
	Session   string
	Component string
	Attrs     map[string]any
}

var reservedKeys = map[string]bool{
	"time": true, "level": true, "msg": true,
	"project": true, "session_id": true, "component": true,
}

// Filter selects log entries. Zero-valued fields match everything.
type Filter struct {
	// Level is the minimum level to keep.
	Level   string
	Since   time.Time
	Project string
	Session string
	Pattern *regexp.Regexp
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Match reports whether e passes every criterion of f.
func (f Filter) Match(e Entry) bool {
	if f.Level != "" {
		min, ok := levelOrder[strings.ToUpper(f.Level)]
		got, known := levelOrder[e.Level]
		if ok && known && got < min {
			return false
		}
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if f.Project != "" && e.Project != f.Project {
		return false
	}
	if f.Session != "" && e.Session != f.Session {
		return false
	}
	if f.Pattern != nil && !f.Pattern.MatchString(e.Message) {
		return false
	}
	return true
}

// ParseEntry decodes a single JSON log line.
func ParseEntry(line []byte) (Entry, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{}, fmt.Errorf("invalid log line: %w", err)
	}

	e := Entry{Attrs: make(map[string]any)}
	if s, ok := raw["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			e.Time = t
		}
	}
	e.Level, _ = raw["level"].(string)
	e.Message, _ = raw["msg"].(string)
	e.Project, _ = raw["project"].(string)
	e.Session, _ = raw["session_id"].(string)
	e.Component, _ = raw["component"].(string)

	for k, v := range raw {
		if !reservedKeys[k] {
			e.Attrs[k] = v
		}
	}
	return e, nil
}

// ReadEntries parses every JSON line in r that passes f, in file order.
// Lines that are not valid JSON are skipped.
func ReadEntries(r io.Reader, f Filter) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	const maxLine = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	var entries []Entry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		e, err := ParseEntry(line)
		if err != nil {
			continue
		}
		if f.Match(e) {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log: %w", err)
	}
	return entries, nil
}

// ReadFile is ReadEntries over the log file at path.
func ReadFile(path string, f Filter) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()
	return ReadEntries(file, f)
}

// Format renders e as a single human-readable line.
func (e Entry) Format() string {
	var b strings.Builder
	b.WriteString(e.Time.Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(&b, " %-5s ", e.Level)
	if e.Project != "" {
		fmt.Fprintf(&b, "[%s] ", e.Project)
	}
	b.WriteString(e.Message)
	if e.Component != "" {
		fmt.Fprintf(&b, " component=%s", e.Component)
	}
	if e.Session != "" {
		fmt.Fprintf(&b, " session=%s", e.Session)
	}
	if len(e.Attrs) > 0 {
		attrs, _ := json.Marshal(e.Attrs)
		b.WriteByte(' ')
		b.Write(attrs)
	}
	return b.String()
}
