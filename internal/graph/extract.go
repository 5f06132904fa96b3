// Package graph detects causal transitions between chunks and emits the
// weighted forward/backward edge pairs that form the causal graph.
package graph

import (
	"regexp"
	"strings"
)

// Base weights per reference type.
const (
	weightFilePath     = 1.0
	weightCodeEntity   = 0.8
	weightBackref      = 0.9
	weightErrorFrag    = 0.9
	weightToolOutput   = 0.8
	weightAdjacent     = 0.5
	weightCrossSession = 0.7
	weightBrief        = 0.9
	briefDepthDecay    = 0.9
)

// Confidence multipliers.
const (
	confidenceHigh   = 1.0
	confidenceMedium = 0.85
	confidenceLow    = 0.7
)

// Error-fragment bounds: fragments shorter than the floor are too generic,
// longer ones too brittle to reappear verbatim.
const (
	errorFragMin = 20
	errorFragMax = 50
)

// toolOutputMinLine is the minimum tool-result line length worth matching.
const toolOutputMinLine = 20

// filePathPattern matches file-like tokens: a path with a known extension.
var filePathPattern = regexp.MustCompile(
	`[\w~./-]*[\w-]+\.(?:go|ts|tsx|js|jsx|py|rs|java|rb|c|h|cpp|hpp|cs|sh|sql|json|yaml|yml|toml|md|proto|css|html)\b`)

// backrefLexicon is the closed list of explicit back-reference phrases.
// One list; matched case-insensitively against the later chunk.
var backrefLexicon = []string{
	"the error",
	"that error",
	"that function",
	"that file",
	"that test",
	"you said",
	"you mentioned",
	"as before",
	"as above",
	"the same issue",
	"the previous",
	"earlier you",
	"like before",
	"the fix you",
	"that change",
}

var errorLinePattern = regexp.MustCompile(`(?i)\b(error|exception|panic|fatal|failed|traceback)\b`)

// extractFilePaths returns the set of file-like tokens in text.
func extractFilePaths(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, m := range filePathPattern.FindAllString(text, -1) {
		m = strings.Trim(m, "./")
		// Bare extensions and single-word artifacts are noise.
		if !strings.ContainsAny(m, "./") || len(m) < 5 {
			continue
		}
		out[m] = struct{}{}
	}
	return out
}

// sharedFilePath reports whether any file token appears in both texts.
func sharedFilePath(earlier, later string) bool {
	earlierPaths := extractFilePaths(earlier)
	if len(earlierPaths) == 0 {
		return false
	}
	for p := range extractFilePaths(later) {
		if _, ok := earlierPaths[p]; ok {
			return true
		}
	}
	return false
}

// hasBackref reports whether the later chunk uses a phrase from the closed
// back-reference lexicon.
func hasBackref(later string) bool {
	lower := strings.ToLower(later)
	for _, phrase := range backrefLexicon {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// errorFragments extracts bounded fragments from error-looking lines.
func errorFragments(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < errorFragMin || !errorLinePattern.MatchString(line) {
			continue
		}
		if len(line) > errorFragMax {
			line = line[:errorFragMax]
		}
		out = append(out, line)
	}
	return out
}

// sharedErrorFragment reports whether an error fragment from the earlier
// chunk reappears in the later one.
func sharedErrorFragment(earlier, later string) bool {
	for _, frag := range errorFragments(earlier) {
		if strings.Contains(later, frag) {
			return true
		}
	}
	return false
}

// toolResultLines extracts lines belonging to tool-result sections of
// flattened chunk content.
func toolResultLines(text string) []string {
	var out []string
	inResult := false
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "Tool result: "):
			inResult = true
			line = strings.TrimPrefix(line, "Tool result: ")
		case strings.HasPrefix(line, "User: "),
			strings.HasPrefix(line, "Assistant: "),
			strings.HasPrefix(line, "Thinking: "),
			strings.HasPrefix(line, "Tool: "):
			inResult = false
			continue
		}
		if !inResult {
			continue
		}
		line = strings.TrimSpace(line)
		if len(line) >= toolOutputMinLine {
			out = append(out, line)
		}
	}
	return out
}

// userLines extracts the user-text lines of flattened chunk content.
func userLines(text string) string {
	var sb strings.Builder
	inUser := false
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "User: "):
			inUser = true
		case strings.HasPrefix(line, "Assistant: "),
			strings.HasPrefix(line, "Thinking: "),
			strings.HasPrefix(line, "Tool: "),
			strings.HasPrefix(line, "Tool result: "):
			inUser = false
		}
		if inUser {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// sharedToolOutput reports whether a tool-result line from the earlier
// chunk is quoted in the later chunk's user text.
func sharedToolOutput(earlier, later string) bool {
	userText := userLines(later)
	if userText == "" {
		return false
	}
	for _, line := range toolResultLines(earlier) {
		if strings.Contains(userText, line) {
			return true
		}
	}
	return false
}
