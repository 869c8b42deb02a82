package engine

import "strings"

// stopWords are removed from keyword-fallback queries.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true,
}

// keywordTokens splits a query into substring-match tokens: lowercased,
// stop-words removed, tokens of length <= 2 dropped.
func keywordTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `.,!?;:"'()[]{}`)
		if len(f) <= 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
