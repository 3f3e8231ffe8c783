// Package loop drives a coding agent CLI against a markdown task file
// until the agent signals completion or the iteration budget runs out.
package loop

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goosewin/gralph-sub000/internal/backend"
	"github.com/goosewin/gralph-sub000/internal/tasks"
)

// ExitReason indicates why the loop stopped.
type ExitReason int

const (
	ExitReasonUnknown       ExitReason = iota
	ExitReasonComplete                 // Agent emitted the completion signal with no tasks left
	ExitReasonMaxIterations            // Hit iteration limit
	ExitReasonStopped                  // Context cancelled (stop requested)
)

// String returns a human-readable description of the exit reason.
func (r ExitReason) String() string {
	switch r {
	case ExitReasonComplete:
		return "completed"
	case ExitReasonMaxIterations:
		return "max iterations"
	case ExitReasonStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status labels a progress event.
type Status string

const (
	StatusRunning       Status = "running"
	StatusComplete      Status = "complete"
	StatusFailed        Status = "failed"
	StatusMaxIterations Status = "max_iterations"
)

// Event is a progress notification emitted once or twice per iteration:
// before the agent runs and after its output has been evaluated.
type Event struct {
	Session        string
	Iteration      int
	MaxIterations  int
	Status         Status
	RemainingTasks int
	Message        string
}

// ProgressFunc receives loop progress events. A panicking callback is
// recovered so observer bugs cannot kill a session.
type ProgressFunc func(Event)

// Outcome is the result of a completed loop run. The engine does not
// persist it; the caller records what it needs.
type Outcome struct {
	Reason     ExitReason
	Iterations int
	Remaining  int
	Duration   time.Duration
	LogFile    string
}

// Options configures a loop Engine. Backend, Dir, TaskFile and
// MaxIterations are required; everything else has a usable zero value.
type Options struct {
	SessionName      string
	Dir              string
	TaskFile         string
	MaxIterations    int
	Backend          backend.Adapter
	Model            string
	Variant          string
	CompletionMarker string
	PromptTemplate   string // Optional explicit template file path
	ContextFiles     []string
	LogDir           string        // Defaults to <dir>/.gralph/logs
	LogRetention     time.Duration // Zero disables pruning
	Interval         time.Duration // Pause between iterations; defaults to 2s
	Progress         ProgressFunc
	Stdout           io.Writer // Session log mirror; defaults to os.Stdout
}

// DefaultCompletionMarker is used when the caller does not set one.
const DefaultCompletionMarker = "COMPLETE"

const defaultInterval = 2 * time.Second

// Engine runs the iteration loop for one session.
type Engine struct {
	opts Options
	log  *sessionLog
}

// New validates opts and returns an Engine ready to Run.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, &InvalidInputError{Reason: "no backend adapter configured"}
	}
	if opts.MaxIterations <= 0 {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("max iterations must be positive, got %d", opts.MaxIterations)}
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("working directory %s does not exist", opts.Dir)}
	}
	if !info.IsDir() {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("%s is not a directory", opts.Dir)}
	}
	if _, err := os.Stat(opts.TaskFile); err != nil {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("task file %s does not exist", opts.TaskFile)}
	}

	if opts.CompletionMarker == "" {
		opts.CompletionMarker = DefaultCompletionMarker
	}
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(opts.Dir, ".gralph", "logs")
	}
	if opts.Interval == 0 {
		opts.Interval = defaultInterval
	}
	if opts.SessionName == "" {
		opts.SessionName = filepath.Base(opts.Dir)
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	return &Engine{opts: opts}, nil
}

// LogFile returns the session log path the engine will write to.
func (e *Engine) LogFile() string {
	return filepath.Join(e.opts.LogDir, e.opts.SessionName+".log")
}

// Run executes the loop until completion, budget exhaustion, context
// cancellation or a fatal error. Errors are never retried internally;
// exactly one failed event precedes each error return.
func (e *Engine) Run(ctx context.Context) (Outcome, error) {
	start := time.Now()
	pruneOldLogs(e.opts.LogDir, e.opts.LogRetention)

	logPath := e.LogFile()
	log, err := openSessionLog(logPath, e.opts.Stdout)
	if err != nil {
		e.emit(0, StatusFailed, tasks.CountRemaining(e.opts.TaskFile), err.Error())
		return Outcome{}, err
	}
	e.log = log
	defer log.close()

	log.printf("session %s starting: task file %s, max %d iterations, marker %q, backend %s",
		e.opts.SessionName, e.opts.TaskFile, e.opts.MaxIterations, e.opts.CompletionMarker, e.opts.Backend.Name())

	remaining := tasks.CountRemaining(e.opts.TaskFile)

	for iteration := 1; iteration <= e.opts.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			log.printf("stop requested, exiting at iteration %d", iteration)
			return Outcome{Reason: ExitReasonStopped, Iterations: iteration - 1, Remaining: remaining, Duration: time.Since(start), LogFile: logPath}, nil
		}

		log.printf("iteration %d/%d: %d tasks remaining", iteration, e.opts.MaxIterations, remaining)
		e.emit(iteration, StatusRunning, remaining, "starting iteration")

		text, err := e.runIteration(ctx, iteration)
		if err != nil {
			// A stop signal kills the backend child mid-run; that is a
			// requested stop, not a backend fault.
			if ctx.Err() != nil {
				log.printf("stop requested during iteration %d, backend interrupted", iteration)
				return Outcome{Reason: ExitReasonStopped, Iterations: iteration - 1, Remaining: remaining, Duration: time.Since(start), LogFile: logPath}, nil
			}
			log.printf("iteration %d failed: %v", iteration, err)
			e.emit(iteration, StatusFailed, remaining, err.Error())
			return Outcome{}, err
		}

		remaining = tasks.CountRemaining(e.opts.TaskFile)

		if remaining == 0 && hasCompletionSignal(text, e.opts.CompletionMarker) {
			log.printf("iteration %d: completion signal received, all tasks done", iteration)
			e.emit(iteration, StatusComplete, 0, "all tasks complete")
			return Outcome{Reason: ExitReasonComplete, Iterations: iteration, Remaining: 0, Duration: time.Since(start), LogFile: logPath}, nil
		}

		e.emit(iteration, StatusRunning, remaining, "iteration finished")

		if iteration < e.opts.MaxIterations {
			select {
			case <-ctx.Done():
			case <-time.After(e.opts.Interval):
			}
		}
	}

	log.printf("iteration budget exhausted after %d iterations, %d tasks remaining", e.opts.MaxIterations, remaining)
	e.emit(e.opts.MaxIterations, StatusMaxIterations, remaining, "iteration budget exhausted")
	return Outcome{Reason: ExitReasonMaxIterations, Iterations: e.opts.MaxIterations, Remaining: remaining, Duration: time.Since(start), LogFile: logPath}, nil
}

// runIteration invokes the backend once and returns the parsed output
// text. Raw backend output is preserved next to the output file on any
// failure so the evidence survives the error.
func (e *Engine) runIteration(ctx context.Context, iteration int) (string, error) {
	tpl, err := resolveTemplate(e.opts.PromptTemplate, e.opts.Dir)
	if err != nil {
		return "", err
	}
	prompt := renderPrompt(tpl, e.opts.TaskFile, e.opts.CompletionMarker, iteration, e.opts.MaxIterations, e.opts.ContextFiles)

	outputPath, err := createOutputFile(e.opts.LogDir, e.opts.SessionName, iteration)
	if err != nil {
		return "", err
	}

	if err := e.opts.Backend.RunIteration(ctx, prompt, e.opts.Model, e.opts.Variant, outputPath, e.opts.Dir); err != nil {
		if raw := preserveRaw(outputPath); raw != "" {
			e.log.printf("raw backend output preserved at %s", raw)
		}
		return "", &BackendError{Err: err}
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return "", &IoError{Path: outputPath, Err: err}
	}
	if info.Size() == 0 {
		preserveRaw(outputPath)
		return "", &InvalidInputError{Reason: fmt.Sprintf("backend produced no output in %s", outputPath)}
	}

	text, err := e.opts.Backend.ParseText(outputPath)
	if err != nil {
		if raw := preserveRaw(outputPath); raw != "" {
			e.log.printf("raw backend output preserved at %s", raw)
		}
		return "", &BackendError{Err: err}
	}
	if strings.TrimSpace(text) == "" {
		if raw := preserveRaw(outputPath); raw != "" {
			e.log.printf("raw backend output preserved at %s", raw)
		}
		return "", &InvalidInputError{Reason: fmt.Sprintf("backend output %s contained no agent text", outputPath)}
	}

	return text, nil
}

func (e *Engine) emit(iteration int, status Status, remaining int, message string) {
	if e.opts.Progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && e.log != nil {
			e.log.printf("progress callback panicked: %v", r)
		}
	}()
	e.opts.Progress(Event{
		Session:        e.opts.SessionName,
		Iteration:      iteration,
		MaxIterations:  e.opts.MaxIterations,
		Status:         status,
		RemainingTasks: remaining,
		Message:        message,
	})
}
