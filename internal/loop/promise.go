package loop

import "strings"

// negations are phrases that, when found immediately before the
// completion tag on the final line, void the completion signal. An
// agent writing "I cannot finish this <promise>done</promise>" did not
// actually finish.
var negations = []string{
	"cannot",
	"can't",
	"won't",
	"will not",
	"do not",
	"don't",
	"should not",
	"shouldn't",
	"must not",
	"mustn't",
}

// hasCompletionSignal reports whether the last non-empty line of text
// ends with the promise tag for marker and the text preceding the tag
// on that line carries no negating phrase. Trailing whitespace-only
// lines are ignored.
func hasCompletionSignal(text, marker string) bool {
	tag := "<promise>" + marker + "</promise>"

	lines := strings.Split(text, "\n")
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			last = trimmed
			break
		}
	}
	if !strings.HasSuffix(last, tag) {
		return false
	}

	prefix := strings.ToLower(strings.TrimSuffix(last, tag))
	for _, neg := range negations {
		if strings.Contains(prefix, neg) {
			return false
		}
	}
	return true
}
