package graph

import (
	"regexp"
	"strings"
)

// fencePattern captures fenced code blocks with their optional language tag.
var fencePattern = regexp.MustCompile("(?s)```([a-zA-Z0-9+-]*)\n(.*?)```")

// Regex fallbacks for declaration extraction when no grammar applies.
var declPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bfunc\s+(?:\([^)]*\)\s+)?([A-Za-z_]\w*)`),            // go
	regexp.MustCompile(`\b(?:function|class|interface|type)\s+([A-Za-z_]\w*)`), // js/ts
	regexp.MustCompile(`\bdef\s+([A-Za-z_]\w*)`),                               // python
	regexp.MustCompile(`\b(?:const|let|var)\s+([A-Za-z_]\w*)\s*=`),             // js/ts bindings
	regexp.MustCompile(`\bexport\s+(?:default\s+)?(?:const|function|class)\s+([A-Za-z_]\w*)`),
}

// commonIdentifiers are too generic to count as evidence.
var commonIdentifiers = map[string]struct{}{
	"main": {}, "init": {}, "new": {}, "get": {}, "set": {}, "run": {},
	"test": {}, "data": {}, "result": {}, "value": {}, "err": {}, "error": {},
	"self": {}, "this": {}, "index": {}, "item": {}, "name": {}, "type": {},
}

// entityExtraction is the result of scanning one chunk for declarations.
type entityExtraction struct {
	names map[string]struct{}
	// parsed is true when at least one fence went through a grammar rather
	// than the regex fallback; grammar hits carry higher confidence.
	parsed bool
}

// extractDeclaredEntities finds identifiers declared in the chunk's fenced
// code blocks. Fences with a known language tag are parsed with the
// matching tree-sitter grammar; everything else falls back to declaration
// regexes.
func extractDeclaredEntities(text string) entityExtraction {
	out := entityExtraction{names: make(map[string]struct{})}

	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		lang := strings.ToLower(m[1])
		body := m[2]

		if names, ok := parseDeclarations(lang, body); ok {
			out.parsed = true
			for _, n := range names {
				addEntity(out.names, n)
			}
			continue
		}
		for _, re := range declPatterns {
			for _, dm := range re.FindAllStringSubmatch(body, -1) {
				addEntity(out.names, dm[1])
			}
		}
	}
	return out
}

func addEntity(set map[string]struct{}, name string) {
	if len(name) < 3 {
		return
	}
	if _, common := commonIdentifiers[strings.ToLower(name)]; common {
		return
	}
	set[name] = struct{}{}
}

// sharedCodeEntity reports whether an identifier declared in the earlier
// chunk is referenced verbatim in the later one, and whether the
// declaration came from a grammar parse.
func sharedCodeEntity(earlier, later string) (found, parsed bool) {
	extraction := extractDeclaredEntities(earlier)
	if len(extraction.names) == 0 {
		return false, false
	}
	for name := range extraction.names {
		if containsIdentifier(later, name) {
			return true, extraction.parsed
		}
	}
	return false, false
}

// containsIdentifier checks for a verbatim, word-bounded occurrence.
func containsIdentifier(text, name string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], name)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(name)
		beforeOK := start == 0 || !isIdentChar(text[start-1])
		afterOK := end == len(text) || !isIdentChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = end
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
