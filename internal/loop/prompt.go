package loop

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goosewin/gralph-sub000/internal/tasks"
)

// PromptTemplateEnv names the environment variable that can point at a
// prompt template file.
const PromptTemplateEnv = "GRALPH_PROMPT_TEMPLATE"

// projectTemplatePath is the per-project template location relative to
// the working directory.
const projectTemplatePath = ".gralph/prompt-template.txt"

// noTaskFallback substitutes for {{NEXT_TASK}} when the task file has
// no unchecked block left.
const noTaskFallback = "No unchecked task block found. Review the task file and finish any remaining work."

// defaultTemplate is the built-in prompt, used when no override exists.
const defaultTemplate = `You are working through a task checklist in {{TASK_FILE}}.

This is iteration {{ITERATION}} of {{MAX_ITERATIONS}}.

Next task:
{{NEXT_TASK}}
{{CONTEXT_FILES}}
Work on the next unchecked task. When you finish a task, check it off
in {{TASK_FILE}} by changing "- [ ]" to "- [x]".

When every task is checked off and the work is verified, end your
response with this exact line and nothing after it:

<promise>{{COMPLETION_MARKER}}</promise>

Do not output the promise line unless all tasks are genuinely done.`

// resolveTemplate picks the prompt template in priority order:
// explicit override file > environment-pointed file > project file >
// built-in default.
func resolveTemplate(overridePath, dir string) (string, error) {
	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return "", &IoError{Path: overridePath, Err: err}
		}
		return string(data), nil
	}

	if envPath := os.Getenv(PromptTemplateEnv); envPath != "" {
		data, err := os.ReadFile(envPath)
		if err != nil {
			return "", &IoError{Path: envPath, Err: err}
		}
		return string(data), nil
	}

	projectPath := filepath.Join(dir, filepath.FromSlash(projectTemplatePath))
	if data, err := os.ReadFile(projectPath); err == nil {
		return string(data), nil
	}

	return defaultTemplate, nil
}

// renderPrompt substitutes the fixed placeholders into the template.
func renderPrompt(template, taskFile, marker string, iteration, maxIterations int, contextFiles []string) string {
	next, ok := tasks.NextUncheckedBlock(taskFile)
	if !ok {
		next = noTaskFallback
	}

	r := strings.NewReplacer(
		"{{TASK_FILE}}", filepath.Base(taskFile),
		"{{COMPLETION_MARKER}}", marker,
		"{{ITERATION}}", fmt.Sprintf("%d", iteration),
		"{{MAX_ITERATIONS}}", fmt.Sprintf("%d", maxIterations),
		"{{NEXT_TASK}}", next,
		"{{CONTEXT_FILES}}", contextFilesBlock(contextFiles),
	)
	return r.Replace(template)
}

// contextFilesBlock renders the optional context-files section, or an
// empty string when no files were supplied.
func contextFilesBlock(files []string) string {
	if len(files) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\nRelevant context files:\n")
	for _, f := range files {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	return sb.String()
}
