package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/goosewin/gralph-sub000/internal/backend"
	"github.com/goosewin/gralph-sub000/internal/config"
	"github.com/goosewin/gralph-sub000/internal/logging"
	"github.com/goosewin/gralph-sub000/internal/loop"
	"github.com/goosewin/gralph-sub000/internal/state"
	"github.com/goosewin/gralph-sub000/internal/webhook"
)

var (
	startDir            string
	startName           string
	startMaxIterations  int
	startBackend        string
	startModel          string
	startVariant        string
	startMarker         string
	startPromptTemplate string
	startContextFiles   []string
	startWebhook        string
	startTmux           bool
)

var startCmd = &cobra.Command{
	Use:   "start <task-file>",
	Short: "Start a session against a task file",
	Long: `Start a loop session that drives the agent CLI against the given
markdown task file until every "- [ ]" item is checked off and the
agent signals completion, or the iteration budget is exhausted.

Defaults come from .gralph/config.yaml in the working directory; flags
override the file. With --tmux the session runs detached inside a tmux
session and this command returns immediately.

Example:
  gralph start tasks.md
  gralph start tasks.md --max-iterations 20 --backend codex
  gralph start tasks.md --tmux --name my-feature`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startDir, "dir", "", "Working directory for the agent (default: current directory)")
	startCmd.Flags().StringVar(&startName, "name", "", "Session name (default: derived from directory)")
	startCmd.Flags().IntVarP(&startMaxIterations, "max-iterations", "n", 0, "Iteration budget")
	startCmd.Flags().StringVar(&startBackend, "backend", "", "Agent backend (claude, codex)")
	startCmd.Flags().StringVar(&startModel, "model", "", "Model override passed to the backend")
	startCmd.Flags().StringVar(&startVariant, "variant", "", "Backend variant (fallback model or reasoning effort)")
	startCmd.Flags().StringVar(&startMarker, "marker", "", "Completion marker the agent must promise")
	startCmd.Flags().StringVar(&startPromptTemplate, "prompt-template", "", "Prompt template file override")
	startCmd.Flags().StringArrayVar(&startContextFiles, "context", nil, "Context file to mention in the prompt (repeatable)")
	startCmd.Flags().StringVar(&startWebhook, "webhook", "", "URL notified when the session finishes")
	startCmd.Flags().BoolVar(&startTmux, "tmux", false, "Run detached inside a tmux session")
	rootCmd.AddCommand(startCmd)
}

var sessionNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// deriveSessionName builds a session name from the working directory.
func deriveSessionName(dir string) string {
	name := sessionNameSanitizer.ReplaceAllString(filepath.Base(dir), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "session"
	}
	return name
}

func runStart(cmd *cobra.Command, args []string) error {
	dir := startDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		dir = cwd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}

	taskFile := args[0]
	if !filepath.IsAbs(taskFile) {
		taskFile = filepath.Join(dir, taskFile)
	}

	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return err
	}

	// Credentials for the agent CLI come from the project env file.
	env, err := config.LoadEnvFile(dir)
	if err != nil {
		return err
	}
	for k, v := range env {
		os.Setenv(k, v)
	}

	name := startName
	if name == "" {
		name = deriveSessionName(dir)
	}

	maxIterations := startMaxIterations
	if maxIterations == 0 {
		maxIterations = cfg.Defaults.MaxIterations
	}
	backendName := startBackend
	if backendName == "" {
		backendName = cfg.Defaults.Backend
	}
	model := startModel
	if model == "" {
		model = cfg.Defaults.Model
	}
	variant := startVariant
	if variant == "" {
		variant = cfg.Defaults.Variant
	}
	marker := startMarker
	if marker == "" {
		marker = cfg.Defaults.CompletionMarker
	}
	webhookURL := startWebhook
	if webhookURL == "" {
		webhookURL = cfg.Webhook
	}

	adapter, err := backend.For(backendName)
	if err != nil {
		return err
	}
	if !adapter.CheckInstalled() {
		return fmt.Errorf("backend %q is not installed or not on PATH", backendName)
	}

	st, err := openStore()
	if err != nil {
		return err
	}

	if fields, err := st.Get(name); err != nil {
		return err
	} else if fields != nil {
		existing := state.SessionFromFields(fields)
		if existing.Status == state.StatusRunning {
			return fmt.Errorf("session %s is already running (pid %d); stop it first", name, existing.PID)
		}
	}

	if startTmux {
		return startInTmux(st, name, dir, taskFile)
	}

	sess := &state.Session{
		Name:             name,
		Dir:              dir,
		TaskFile:         taskFile,
		PID:              os.Getpid(),
		StartedAt:        time.Now().UTC(),
		MaxIterations:    maxIterations,
		Status:           state.StatusRunning,
		CompletionMarker: marker,
		Backend:          backendName,
		Model:            model,
		Variant:          variant,
		Webhook:          webhookURL,
	}

	opts := loop.Options{
		SessionName:      name,
		Dir:              dir,
		TaskFile:         taskFile,
		MaxIterations:    maxIterations,
		Backend:          adapter,
		Model:            model,
		Variant:          variant,
		CompletionMarker: marker,
		PromptTemplate:   startPromptTemplate,
		ContextFiles:     startContextFiles,
		LogRetention:     time.Duration(cfg.Logs.RetentionDays) * 24 * time.Hour,
	}

	return runSession(cmd.Context(), st, sess, opts)
}

// shellQuote wraps s in single quotes for the shell tmux hands the
// command line to.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tmuxStartArgs builds the tmux invocation for a detached session.
// tmux joins trailing arguments with spaces and runs them through a
// shell, so each rebuilt argument is quoted individually.
func tmuxStartArgs(tmuxName, dir string, inner []string) []string {
	quoted := make([]string, len(inner))
	for i, arg := range inner {
		quoted[i] = shellQuote(arg)
	}
	return []string{"new-session", "-d", "-s", tmuxName, "-c", dir, strings.Join(quoted, " ")}
}

// startInTmux re-invokes this command inside a detached tmux session
// and records the tmux session name so stop can tear it down.
func startInTmux(st *state.Store, name, dir, taskFile string) error {
	tmuxName := "gralph-" + name

	// Rebuild the start invocation without the --tmux flag.
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}
	inner := []string{self}
	for _, arg := range os.Args[1:] {
		if arg == "--tmux" {
			continue
		}
		inner = append(inner, arg)
	}

	if err := exec.Command("tmux", tmuxStartArgs(tmuxName, dir, inner)...).Run(); err != nil {
		return fmt.Errorf("failed to start tmux session: %w", err)
	}

	// The inner process merges its own fields in when it registers.
	if err := st.Set(name, state.Fields{
		"tmux_session": tmuxName,
		"status":       state.StatusRunning,
		"dir":          dir,
		"task_file":    taskFile,
	}); err != nil {
		return err
	}

	fmt.Printf("Started session %s in tmux session %s\n", name, tmuxName)
	fmt.Printf("Attach with: tmux attach -t %s\n", tmuxName)
	return nil
}

// registerSession writes the session record at loop start. The merge
// semantics of Set preserve absent fields, and Fields() omits zero
// values, so the iteration counter is written explicitly: a resumed
// session starts back at zero and must overwrite the previous run's
// count.
func registerSession(st *state.Store, sess *state.Session) error {
	fields := sess.Fields()
	fields["iteration"] = sess.Iteration
	return st.Set(sess.Name, fields)
}

// runSession registers the session record, runs the loop with progress
// mirrored into the store, and reports the terminal status to the
// configured webhook. Shared by start and resume.
func runSession(ctx context.Context, st *state.Store, sess *state.Session, opts loop.Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier := webhook.New(sess.Webhook)
	log := logging.With("session", sess.Name)

	opts.Progress = func(ev loop.Event) {
		fields := state.Fields{
			"iteration":       ev.Iteration,
			"status":          string(ev.Status),
			"last_task_count": ev.RemainingTasks,
		}
		if err := st.Set(sess.Name, fields); err != nil {
			log.Warn("failed to record progress", "err", err)
		}
	}

	eng, err := loop.New(opts)
	if err != nil {
		return err
	}
	sess.LogFile = eng.LogFile()

	if err := registerSession(st, sess); err != nil {
		return err
	}

	fmt.Printf("Starting session %s\n", sess.Name)
	fmt.Printf("  Task file:  %s\n", sess.TaskFile)
	fmt.Printf("  Backend:    %s\n", sess.Backend)
	fmt.Printf("  Budget:     %d iterations\n", sess.MaxIterations)
	fmt.Printf("  Log file:   %s\n", sess.LogFile)

	outcome, runErr := eng.Run(ctx)

	finalStatus := state.StatusFailed
	iterations := 0
	remaining := 0
	durationSecs := 0
	if runErr == nil {
		iterations = outcome.Iterations
		remaining = outcome.Remaining
		durationSecs = int(outcome.Duration.Seconds())
		switch outcome.Reason {
		case loop.ExitReasonComplete:
			finalStatus = state.StatusComplete
		case loop.ExitReasonMaxIterations:
			finalStatus = state.StatusMaxIterations
		case loop.ExitReasonStopped:
			finalStatus = state.StatusStopped
		}
	}

	if err := st.Set(sess.Name, state.Fields{
		"status":          finalStatus,
		"iteration":       iterations,
		"last_task_count": remaining,
		"duration_secs":   durationSecs,
	}); err != nil {
		log.Warn("failed to record final status", "err", err)
	}

	if notifier.Enabled() {
		notifyCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := notifier.Notify(notifyCtx, webhook.Payload{
			Event:          "session.finished",
			Session:        sess.Name,
			Status:         finalStatus,
			Iteration:      iterations,
			MaxIterations:  sess.MaxIterations,
			RemainingTasks: remaining,
		}); err != nil {
			log.Warn("webhook notification failed", "err", err)
		}
	}

	if runErr != nil {
		return runErr
	}

	switch outcome.Reason {
	case loop.ExitReasonComplete:
		fmt.Printf("Session %s complete after %d iterations (%s)\n",
			sess.Name, outcome.Iterations, outcome.Duration.Round(time.Second))
	case loop.ExitReasonMaxIterations:
		fmt.Printf("Session %s hit the iteration budget (%d) with %d tasks remaining\n",
			sess.Name, sess.MaxIterations, outcome.Remaining)
	case loop.ExitReasonStopped:
		fmt.Printf("Session %s stopped\n", sess.Name)
	}
	return nil
}
