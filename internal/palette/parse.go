package palette

import "strings"

// parseCandidates splits an LLM completion into candidate node strings.
// Providers are prompted to return one node per line, optionally prefixed
// with a bullet or ordinal marker; this strips that framing rather than
// assuming a strict format, since provider output is not normalized
// upstream (spec.md §4.3: "Provider-specific shape differences are
// normalized inside the LLM Facade" covers the call/response envelope,
// not free-text content).
func parseCandidates(content string) []string {
	lines := strings.Split(content, "\n")
	candidates := make([]string, 0, len(lines))
	for _, line := range lines {
		c := strings.TrimSpace(line)
		c = strings.TrimLeft(c, "-*•")
		c = strings.TrimSpace(c)
		c = trimOrdinalPrefix(c)
		if c != "" {
			candidates = append(candidates, c)
		}
	}
	return candidates
}

// trimOrdinalPrefix strips a leading "1.", "2)", etc.
func trimOrdinalPrefix(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return s
	}
	if s[i] == '.' || s[i] == ')' {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
