package palette

import (
	"fmt"
	"strings"
)

// BuildPrompt constructs the default node-suggestion prompt for one
// provider call: it names the diagram topic/kind/stage and embeds the
// already-suggested set verbatim so providers are discouraged from
// repeating candidates at the source (spec.md §4.4.1).
func BuildPrompt(diagramTopic, diagramKind, stage string, stageData map[string]string, nodesPerProvider int, alreadySuggested []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Diagram topic: %s\nDiagram kind: %s\nStage: %s\n", diagramTopic, diagramKind, stage)
	for k, v := range stageData {
		fmt.Fprintf(&b, "Stage context %s: %s\n", k, v)
	}
	fmt.Fprintf(&b, "Suggest %d new node labels for this stage, one per line, with no numbering or punctuation.\n", nodesPerProvider)
	if len(alreadySuggested) > 0 {
		b.WriteString("Do not repeat any of these already-suggested nodes:\n")
		for _, n := range alreadySuggested {
			b.WriteString("- ")
			b.WriteString(n)
			b.WriteString("\n")
		}
	}
	return b.String()
}
