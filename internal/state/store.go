package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Errors surfaced by store operations.
var (
	// ErrInvalidSessionName is returned for blank session names.
	ErrInvalidSessionName = errors.New("session name must not be blank")

	// ErrSessionNotFound is returned when deleting an absent session.
	ErrSessionNotFound = errors.New("session not found")
)

// Default lock tuning. The lock is held only for the duration of one
// store call, never across a loop iteration, so long backend calls
// cannot starve status or stop readers.
const (
	DefaultLockTimeout  = 10 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// Options configures a Store. Zero values fall back to defaults rooted
// under dir.
type Options struct {
	// Dir is the state directory, typically ~/.gralph.
	Dir string

	// StateFile overrides the state document path (default Dir/state.json).
	StateFile string

	// LockFile overrides the lock sentinel path (default Dir/state.lock).
	LockFile string

	// LockTimeout bounds how long an operation waits for the lock.
	LockTimeout time.Duration

	// PollInterval is the lock acquisition retry interval.
	PollInterval time.Duration

	// Probe overrides process liveness probing in CleanupStale.
	Probe ProcessProbe
}

// Store is the file-backed session registry. Every operation acquires
// the advisory lock, reads the document, applies the change, and
// persists via write-to-temp-then-rename before releasing the lock.
type Store struct {
	stateFile    string
	lockFile     string
	lockTimeout  time.Duration
	pollInterval time.Duration
	probe        ProcessProbe
}

// NewStore creates a Store with the given options.
func NewStore(opts Options) *Store {
	dir := opts.Dir
	if dir == "" {
		dir = DefaultDir()
	}
	s := &Store{
		stateFile:    opts.StateFile,
		lockFile:     opts.LockFile,
		lockTimeout:  opts.LockTimeout,
		pollInterval: opts.PollInterval,
		probe:        opts.Probe,
	}
	if s.stateFile == "" {
		s.stateFile = filepath.Join(dir, "state.json")
	}
	if s.lockFile == "" {
		s.lockFile = filepath.Join(dir, "state.lock")
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = DefaultLockTimeout
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.probe == nil {
		s.probe = signalProbe{}
	}
	return s
}

// DefaultDir returns the default state directory, ~/.gralph.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gralph")
}

// StateFile returns the path of the persisted state document.
func (s *Store) StateFile() string {
	return s.stateFile
}

// Init creates the state directory and file if absent. A file that
// fails to parse is silently reset to an empty valid document; callers
// never see a parse error. Idempotent.
func (s *Store) Init() error {
	lock, err := acquireLock0(s)
	if err != nil {
		return err
	}
	defer lock.release()

	data := s.loadLocked()
	return s.saveLocked(data)
}

// Get returns the session record, or nil when absent.
func (s *Store) Get(name string) (Fields, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidSessionName
	}

	lock, err := acquireLock0(s)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	data := s.loadLocked()
	f, ok := data.Sessions[name]
	if !ok {
		return nil, nil
	}
	f["name"] = name
	return f, nil
}

// Set merges fields into the existing (or new) record for name. The
// name key is always re-stamped; fields absent from the merge persist.
func (s *Store) Set(name string, fields Fields) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidSessionName
	}

	lock, err := acquireLock0(s)
	if err != nil {
		return err
	}
	defer lock.release()

	data := s.loadLocked()
	existing, ok := data.Sessions[name]
	if !ok {
		existing = Fields{}
	}
	for k, v := range fields {
		existing[k] = coerce(k, v)
	}
	existing["name"] = name
	data.Sessions[name] = existing

	return s.saveLocked(data)
}

// List returns all session records with the name key populated, sorted
// by name for stable output.
func (s *Store) List() ([]Fields, error) {
	lock, err := acquireLock0(s)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	data := s.loadLocked()
	names := make([]string, 0, len(data.Sessions))
	for name := range data.Sessions {
		names = append(names, name)
	}
	sort.Strings(names)

	sessions := make([]Fields, 0, len(names))
	for _, name := range names {
		f := data.Sessions[name]
		f["name"] = name
		sessions = append(sessions, f)
	}
	return sessions, nil
}

// Delete removes the session. Deleting an absent session is an error.
func (s *Store) Delete(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidSessionName
	}

	lock, err := acquireLock0(s)
	if err != nil {
		return err
	}
	defer lock.release()

	data := s.loadLocked()
	if _, ok := data.Sessions[name]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	delete(data.Sessions, name)

	return s.saveLocked(data)
}

// CleanupMode selects what CleanupStale does with dead sessions.
type CleanupMode int

const (
	// CleanupMark rewrites dead running sessions to status "stale".
	CleanupMark CleanupMode = iota
	// CleanupRemove deletes dead running sessions outright.
	CleanupRemove
)

// CleanupStale reconciles recorded sessions against process liveness.
// Every session with status "running" and pid>0 whose process is gone
// is either marked stale or removed. Returns the touched names.
func (s *Store) CleanupStale(mode CleanupMode) ([]string, error) {
	lock, err := acquireLock0(s)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	data := s.loadLocked()

	var touched []string
	for name, f := range data.Sessions {
		if stringField(f, "status") != StatusRunning {
			continue
		}
		pid := intField(f, "pid")
		if pid <= 0 || s.probe.Alive(pid) {
			continue
		}
		switch mode {
		case CleanupRemove:
			delete(data.Sessions, name)
		default:
			f["status"] = StatusStale
			data.Sessions[name] = f
		}
		touched = append(touched, name)
	}
	sort.Strings(touched)

	if len(touched) == 0 {
		return nil, nil
	}
	if err := s.saveLocked(data); err != nil {
		return nil, err
	}
	return touched, nil
}

// acquireLock0 creates the state directory and takes the advisory lock.
func acquireLock0(s *Store) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(s.lockFile), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return acquireLock(s.lockFile, s.pollInterval, s.lockTimeout)
}

// loadLocked reads the state document. Missing or malformed content
// yields an empty document: the store self-heals rather than surfacing
// parse errors.
func (s *Store) loadLocked() *stateData {
	data := &stateData{Sessions: map[string]Fields{}}

	raw, err := os.ReadFile(s.stateFile)
	if err != nil {
		return data
	}

	var parsed stateData
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return data
	}
	if parsed.Sessions == nil {
		return data
	}
	data.Sessions = parsed.Sessions
	return data
}

// saveLocked persists via write-to-temp-then-atomic-rename. The
// serialized payload is never written empty, which guards the invariant
// that the file always holds valid non-empty JSON.
func (s *Store) saveLocked(data *stateData) error {
	if data.Sessions == nil {
		data.Sessions = map[string]Fields{}
	}

	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if len(payload) == 0 {
		return errors.New("refusing to write empty state payload")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.stateFile), ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.stateFile); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
