// Package tasks reads markdown task checklists. A task file is a list
// of checkbox lines, optionally organized into "### Task <ID>" blocks
// terminated by a "---" line or a "## " heading.
package tasks

import (
	"os"
	"strings"
)

const (
	uncheckedPrefix = "- [ ]"
	taskHeading     = "### Task "
)

// CountRemaining returns the number of unchecked checklist lines in the
// file. A missing or unreadable file counts as zero remaining.
func CountRemaining(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		if isUnchecked(line) {
			count++
		}
	}
	return count
}

// NextUncheckedBlock extracts the block containing the first unchecked
// line. When the line sits under a "### Task" heading the whole block
// is returned, from the heading up to (not including) the terminating
// "---" or "## " heading. An unchecked line outside any task block is
// returned on its own. Returns false when nothing is unchecked.
func NextUncheckedBlock(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}

	lines := strings.Split(string(data), "\n")
	first := -1
	for i, line := range lines {
		if isUnchecked(line) {
			first = i
			break
		}
	}
	if first == -1 {
		return "", false
	}

	// Walk back to the enclosing task heading, stopping at block
	// terminators so a heading from an earlier block is not picked up.
	start := -1
	for i := first; i >= 0; i-- {
		line := lines[i]
		if strings.HasPrefix(line, taskHeading) {
			start = i
			break
		}
		if i != first && isTerminator(line) {
			break
		}
	}
	if start == -1 {
		return strings.TrimSpace(lines[first]), true
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if isTerminator(lines[i]) {
			end = i
			break
		}
	}

	block := strings.Join(lines[start:end], "\n")
	return strings.TrimSpace(block), true
}

func isUnchecked(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), uncheckedPrefix)
}

func isTerminator(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "---" || strings.HasPrefix(line, "## ")
}
