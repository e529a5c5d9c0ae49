// Package diagram builds the /generate_diagram prompt and parses the LLM's
// response into a diagram spec. Prompt construction and response parsing
// are treated as opaque pure functions (spec.md §4.1 Non-goals): no schema
// validation or diagram-semantics checking happens here, only the wire
// shape the LLM is asked to return.
package diagram

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request carries the caller-supplied parameters for a one-shot diagram
// generation call.
type Request struct {
	Topic string
	Kind  string
}

// Result is the parsed diagram the LLM produced.
type Result struct {
	Type string          `json:"type"`
	Spec json.RawMessage `json:"spec"`
}

// BuildPrompt constructs the prompt sent to the configured diagram
// provider (spec.md §4.1.1). It names the topic and kind and asks for a
// single JSON object back, matching Result's shape.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate a diagram for topic: %s\n", req.Topic)
	if req.Kind != "" {
		fmt.Fprintf(&b, "Diagram kind: %s\n", req.Kind)
	}
	b.WriteString("Respond with a single JSON object of the form ")
	b.WriteString(`{"type": "<diagram kind>", "spec": <diagram body>}`)
	b.WriteString(" and nothing else.\n")
	return b.String()
}

// ParseResult unmarshals the LLM's completion content into a Result. It
// does not interpret or validate the spec field's contents — that is the
// opaque diagram body the client renders.
func ParseResult(content string) (Result, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var result Result
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil {
		return Result{}, fmt.Errorf("diagram: parse llm response: %w", err)
	}
	if result.Type == "" {
		return Result{}, fmt.Errorf("diagram: llm response missing type field")
	}
	return result, nil
}
