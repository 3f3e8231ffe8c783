package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

func init() {
	Register(&Claude{})
}

// Claude drives the Claude Code CLI in non-interactive print mode with
// stream-json output, one JSON event per line.
type Claude struct{}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) CheckInstalled() bool {
	_, err := exec.LookPath("claude")
	return err == nil
}

func (c *Claude) Models() []string {
	return []string{"opus", "sonnet", "haiku"}
}

// RunIteration runs `claude -p` and streams stdout into outputPath so
// a long response is never buffered whole in memory.
func (c *Claude) RunIteration(ctx context.Context, prompt, model, variant, outputPath, workingDir string) error {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if variant != "" {
		args = append(args, "--fallback-model", variant)
	}

	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file %s: %w", outputPath, err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = workingDir
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("claude invocation failed: %w", err)
	}
	return nil
}

// ParseText extracts assistant text from a stream-json output file,
// one event per line:
//
//	{"type":"assistant","message":{"content":[{"type":"text","text":"..."}]}}
//	{"type":"result","result":"final text",...}
//
// The result event's text wins when present; otherwise assistant text
// events are concatenated in order.
func (c *Claude) ParseText(outputPath string) (string, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		return "", fmt.Errorf("open output file %s: %w", outputPath, err)
	}
	defer f.Close()

	var assistant []string
	var result string

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// Tolerate stray non-JSON lines (stderr noise).
			continue
		}

		switch event.Type {
		case "assistant":
			var wrapper streamMessage
			if err := json.Unmarshal(event.Message, &wrapper); err != nil {
				continue
			}
			for _, item := range wrapper.Content {
				if item.Type == "text" && item.Text != "" {
					assistant = append(assistant, item.Text)
				}
			}
		case "result":
			if event.Result != "" {
				result = event.Result
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan output file %s: %w", outputPath, err)
	}

	if result != "" {
		return result, nil
	}
	return strings.Join(assistant, "\n"), nil
}

// streamEvent is a top-level stream-json line.
type streamEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Result  string          `json:"result,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// streamMessage wraps the content array of assistant/user events.
type streamMessage struct {
	Content []streamContent `json:"content"`
}

type streamContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
