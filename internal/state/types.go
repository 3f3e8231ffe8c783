// Package state provides the durable, cross-process session registry.
// Sessions live in a single JSON document guarded by an advisory file
// lock, so the loop runner, short-lived CLI invocations, and the HTTP
// server can all read and mutate the same state from different OS
// processes.
package state

import (
	"strconv"
	"time"
)

// Session status values.
const (
	StatusRunning       = "running"
	StatusFailed        = "failed"
	StatusComplete      = "complete"
	StatusMaxIterations = "max_iterations"
	StatusStopped       = "stopped"
	StatusStale         = "stale"
	StatusVerifying     = "verifying"
	StatusVerified      = "verified"
	StatusVerifyFailed  = "verify-failed"
)

// ValidStatus reports whether s is a known session status.
func ValidStatus(s string) bool {
	switch s {
	case StatusRunning, StatusFailed, StatusComplete, StatusMaxIterations,
		StatusStopped, StatusStale, StatusVerifying, StatusVerified,
		StatusVerifyFailed:
		return true
	}
	return false
}

// Fields is a raw session record as stored on disk. The store is
// schema-agnostic: callers can persist any keys, and Session decodes
// the well-known ones.
type Fields map[string]any

// stateData is the sole persisted document.
type stateData struct {
	Sessions map[string]Fields `json:"sessions"`
}

// intFields are keys whose string values are coerced to integers on
// write, so shell callers can pass pid=123 as text.
var intFields = map[string]bool{
	"pid":            true,
	"iteration":      true,
	"max_iterations": true,
	"last_task_count": true,
}

// coerce converts integer-looking strings for well-known numeric keys.
func coerce(key string, value any) any {
	if !intFields[key] {
		return value
	}
	s, ok := value.(string)
	if !ok {
		return value
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return value
	}
	return n
}

// Session is a typed view over a session record. Unknown keys survive
// round trips through the store untouched; this struct only decodes the
// fields the CLI and server present to users.
type Session struct {
	Name             string
	Dir              string
	TaskFile         string
	PID              int
	TmuxSession      string
	StartedAt        time.Time
	Iteration        int
	MaxIterations    int
	Status           string
	LastTaskCount    int
	CompletionMarker string
	LogFile          string
	Backend          string
	Model            string
	Variant          string
	Webhook          string
}

// SessionFromFields decodes the well-known keys of a raw record.
func SessionFromFields(f Fields) *Session {
	s := &Session{
		Name:             stringField(f, "name"),
		Dir:              stringField(f, "dir"),
		TaskFile:         stringField(f, "task_file"),
		PID:              intField(f, "pid"),
		TmuxSession:      stringField(f, "tmux_session"),
		Iteration:        intField(f, "iteration"),
		MaxIterations:    intField(f, "max_iterations"),
		Status:           stringField(f, "status"),
		LastTaskCount:    intField(f, "last_task_count"),
		CompletionMarker: stringField(f, "completion_marker"),
		LogFile:          stringField(f, "log_file"),
		Backend:          stringField(f, "backend"),
		Model:            stringField(f, "model"),
		Variant:          stringField(f, "variant"),
		Webhook:          stringField(f, "webhook"),
	}
	if raw := stringField(f, "started_at"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			s.StartedAt = t
		}
	}
	return s
}

// Fields encodes the session back into a raw record, omitting zero
// values so partial merges do not clobber existing data.
func (s *Session) Fields() Fields {
	f := Fields{}
	put := func(key, val string) {
		if val != "" {
			f[key] = val
		}
	}
	put("name", s.Name)
	put("dir", s.Dir)
	put("task_file", s.TaskFile)
	put("tmux_session", s.TmuxSession)
	put("status", s.Status)
	put("completion_marker", s.CompletionMarker)
	put("log_file", s.LogFile)
	put("backend", s.Backend)
	put("model", s.Model)
	put("variant", s.Variant)
	put("webhook", s.Webhook)
	if s.PID != 0 {
		f["pid"] = s.PID
	}
	if s.Iteration != 0 {
		f["iteration"] = s.Iteration
	}
	if s.MaxIterations != 0 {
		f["max_iterations"] = s.MaxIterations
	}
	if s.LastTaskCount != 0 {
		f["last_task_count"] = s.LastTaskCount
	}
	if !s.StartedAt.IsZero() {
		f["started_at"] = s.StartedAt.Format(time.RFC3339)
	}
	return f
}

func stringField(f Fields, key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

func intField(f Fields, key string) int {
	switch v := f[key].(type) {
	case int:
		return v
	case float64:
		// JSON numbers decode as float64.
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
