package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

func init() {
	Register(&Codex{})
}

// Codex drives the Codex CLI in exec mode. Codex writes its final
// message as plain text, so parsing is a straight file read.
type Codex struct{}

func (c *Codex) Name() string { return "codex" }

func (c *Codex) CheckInstalled() bool {
	_, err := exec.LookPath("codex")
	return err == nil
}

func (c *Codex) Models() []string {
	return []string{"gpt-5-codex", "gpt-5"}
}

func (c *Codex) RunIteration(ctx context.Context, prompt, model, variant, outputPath, workingDir string) error {
	args := []string{
		"exec",
		"--skip-git-repo-check",
		"--output-last-message", outputPath,
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if variant != "" {
		args = append(args, "-c", "model_reasoning_effort="+variant)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, "codex", args...)
	cmd.Dir = workingDir

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("codex invocation failed: %w", err)
	}
	return nil
}

func (c *Codex) ParseText(outputPath string) (string, error) {
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return "", fmt.Errorf("read output file %s: %w", outputPath, err)
	}
	return string(data), nil
}
