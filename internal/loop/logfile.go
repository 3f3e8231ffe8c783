package loop

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// sessionLog is the append-only per-session log, one message per line,
// mirrored to stdout so foreground runs stay observable.
type sessionLog struct {
	file   *os.File
	mirror io.Writer
}

func openSessionLog(path string, mirror io.Writer) (*sessionLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &IoError{Path: filepath.Dir(path), Err: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &IoError{Path: path, Err: err}
	}
	if mirror == nil {
		mirror = os.Stdout
	}
	return &sessionLog{file: f, mirror: mirror}, nil
}

func (l *sessionLog) printf(format string, args ...any) {
	line := fmt.Sprintf("%s %s\n", time.Now().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))
	l.file.WriteString(line)
	io.WriteString(l.mirror, line)
}

func (l *sessionLog) close() {
	l.file.Close()
}

// pruneOldLogs removes regular files under dir whose modification time
// is older than retention. A zero or negative retention disables
// pruning. Removal is best-effort; a failure to prune never aborts a
// loop.
func pruneOldLogs(dir string, retention time.Duration) {
	if retention <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-retention)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

// createOutputFile makes a fresh backend output file with exclusive
// create semantics. Collisions retry a bounded number of times with
// distinguishing suffixes before giving up.
func createOutputFile(dir, session string, iteration int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &IoError{Path: dir, Err: err}
	}

	stamp := time.Now().Format("20060102-150405")
	base := fmt.Sprintf("%s-iter-%03d-%s", session, iteration, stamp)

	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		name := base
		if attempt > 0 {
			name = fmt.Sprintf("%s-%d", base, attempt)
		}
		path := filepath.Join(dir, name+".json")

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return path, nil
		}
		if !os.IsExist(err) {
			return "", &IoError{Path: path, Err: err}
		}
	}
	return "", &IoError{Path: dir, Err: fmt.Errorf("could not create unique output file after %d attempts", maxAttempts)}
}

// preserveRaw copies the possibly partial backend output to a sibling
// raw log so failed iterations stay inspectable. Best-effort.
func preserveRaw(outputPath string) string {
	rawPath := rawLogPath(outputPath)
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return ""
	}
	if err := os.WriteFile(rawPath, data, 0o644); err != nil {
		return ""
	}
	return rawPath
}

func rawLogPath(outputPath string) string {
	ext := filepath.Ext(outputPath)
	base := outputPath[:len(outputPath)-len(ext)]
	return base + ".raw.log"
}
