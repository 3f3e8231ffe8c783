package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/goosewin/gralph-sub000/internal/state"
	"github.com/goosewin/gralph-sub000/internal/tasks"
)

var statusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show session status",
	Long: `Shows the status of gralph sessions.

Without arguments, lists all sessions with their status and progress.
With a name argument, shows detailed information for that session.
Sessions whose process has died are marked stale before display.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	// Refresh liveness so dead sessions never display as running.
	if _, err := st.CleanupStale(state.CleanupMark); err != nil {
		return fmt.Errorf("failed to refresh session liveness: %w", err)
	}

	if len(args) == 0 {
		return listSessions(st)
	}
	return showSession(st, args[0])
}

func listSessions(st *state.Store) error {
	records, err := st.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	sessions := make([]*state.Session, 0, len(records))
	nameWidth := len("NAME")
	statusWidth := len("STATUS")
	for _, f := range records {
		s := state.SessionFromFields(f)
		sessions = append(sessions, s)
		if len(s.Name) > nameWidth {
			nameWidth = len(s.Name)
		}
		if len(s.Status) > statusWidth {
			statusWidth = len(s.Status)
		}
	}

	fmt.Printf("%-*s  %-*s  %-10s  %s\n", nameWidth, "NAME", statusWidth, "STATUS", "ITERATION", "REMAINING")
	fmt.Printf("%s  %s  %s  %s\n",
		strings.Repeat("-", nameWidth), strings.Repeat("-", statusWidth),
		strings.Repeat("-", 10), strings.Repeat("-", 9))

	for _, s := range sessions {
		iteration := fmt.Sprintf("%d/%d", s.Iteration, s.MaxIterations)
		fmt.Printf("%-*s  %-*s  %-10s  %d\n", nameWidth, s.Name, statusWidth, s.Status, iteration, s.LastTaskCount)
	}

	return nil
}

func showSession(st *state.Store, name string) error {
	fields, err := st.Get(name)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	if fields == nil {
		return fmt.Errorf("session %s not found", name)
	}

	s := state.SessionFromFields(fields)

	fmt.Println("Session Details")
	fmt.Println("===============")
	fmt.Println()

	printField("Name", s.Name)
	printField("Status", s.Status)
	printField("Directory", s.Dir)
	printField("Task file", s.TaskFile)
	printField("Backend", s.Backend)
	if s.Model != "" {
		printField("Model", s.Model)
	}
	if s.Variant != "" {
		printField("Variant", s.Variant)
	}
	printField("Iteration", fmt.Sprintf("%d/%d", s.Iteration, s.MaxIterations))
	printField("Marker", s.CompletionMarker)
	if s.PID > 0 {
		printField("PID", fmt.Sprintf("%d", s.PID))
	}
	if s.TmuxSession != "" {
		printField("Tmux", s.TmuxSession)
	}
	if s.LogFile != "" {
		printField("Log file", s.LogFile)
	}
	if s.Webhook != "" {
		printField("Webhook", s.Webhook)
	}
	if !s.StartedAt.IsZero() {
		printField("Started", s.StartedAt.Local().Format(time.RFC1123))
		printField("Elapsed", time.Since(s.StartedAt).Round(time.Second).String())
	}

	// Live task count from the file beats the recorded one.
	if s.TaskFile != "" {
		printField("Remaining", fmt.Sprintf("%d", tasks.CountRemaining(s.TaskFile)))
	}

	return nil
}

func printField(label, value string) {
	fmt.Printf("  %-11s %s\n", label+":", value)
}
