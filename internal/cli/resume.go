package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/goosewin/gralph-sub000/internal/backend"
	"github.com/goosewin/gralph-sub000/internal/config"
	"github.com/goosewin/gralph-sub000/internal/loop"
	"github.com/goosewin/gralph-sub000/internal/state"
	"github.com/goosewin/gralph-sub000/internal/tasks"
)

var resumeMaxIterations int

var resumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Resume a stopped or exhausted session",
	Long: `Resume a session with the settings it was started with and a fresh
iteration budget. The task file is re-read, so work completed in
earlier runs stays done.

Example:
  gralph resume my-feature
  gralph resume my-feature --max-iterations 5`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().IntVarP(&resumeMaxIterations, "max-iterations", "n", 0, "Fresh iteration budget (default: the session's original budget)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	name := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}

	// Refresh liveness first so a dead "running" session can be resumed.
	if _, err := st.CleanupStale(state.CleanupMark); err != nil {
		return fmt.Errorf("failed to refresh session liveness: %w", err)
	}

	fields, err := st.Get(name)
	if err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("session %s not found", name)
	}

	sess := state.SessionFromFields(fields)
	if sess.Status == state.StatusRunning {
		return fmt.Errorf("session %s is still running (pid %d); stop it first", name, sess.PID)
	}
	if sess.Dir == "" || sess.TaskFile == "" {
		return fmt.Errorf("session %s has no recorded directory or task file", name)
	}

	if remaining := tasks.CountRemaining(sess.TaskFile); remaining == 0 && sess.Status == state.StatusComplete {
		fmt.Printf("Session %s is already complete; nothing to resume.\n", name)
		return nil
	}

	cfg, err := config.LoadConfig(sess.Dir)
	if err != nil {
		return err
	}

	if resumeMaxIterations > 0 {
		sess.MaxIterations = resumeMaxIterations
	}
	if sess.MaxIterations == 0 {
		sess.MaxIterations = cfg.Defaults.MaxIterations
	}
	if sess.Backend == "" {
		sess.Backend = cfg.Defaults.Backend
	}
	if sess.CompletionMarker == "" {
		sess.CompletionMarker = cfg.Defaults.CompletionMarker
	}

	adapter, err := backend.For(sess.Backend)
	if err != nil {
		return err
	}
	if !adapter.CheckInstalled() {
		return fmt.Errorf("backend %q is not installed or not on PATH", sess.Backend)
	}

	sess.PID = os.Getpid()
	sess.Status = state.StatusRunning
	sess.StartedAt = time.Now().UTC()
	sess.Iteration = 0

	opts := loop.Options{
		SessionName:      sess.Name,
		Dir:              sess.Dir,
		TaskFile:         sess.TaskFile,
		MaxIterations:    sess.MaxIterations,
		Backend:          adapter,
		Model:            sess.Model,
		Variant:          sess.Variant,
		CompletionMarker: sess.CompletionMarker,
		LogRetention:     time.Duration(cfg.Logs.RetentionDays) * 24 * time.Hour,
	}

	fmt.Printf("Resuming session %s\n", sess.Name)
	return runSession(cmd.Context(), st, sess, opts)
}
