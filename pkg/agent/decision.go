// Package agent runs the chat-side tool loop: it calls the model, parses
// tool-call decisions out of free-form replies, executes commands on the
// user's terminal, and feeds results back until the model answers in plain
// text.
package agent

import (
	"encoding/json"
	"strings"
)

// ToolCall is one parsed model decision.
type ToolCall struct {
	Action    string         `json:"action"`
	Command   string         `json:"command"`
	Reasoning string         `json:"reasoning"`
	Summary   string         `json:"summary"`
	Guidance  string         `json:"guidance"`
	Args      map[string]any `json:"args"`
}

// allowedActions is the closed action set; anything else is treated as
// conversation text.
var allowedActions = map[string]struct{}{
	"run_command": {},
	"run_tool":    {},
	"finish":      {},
	"pause":       {},
}

// ParseToolCall extracts the first valid tool-call JSON from a model reply.
//
// Replies arrive in several shapes: pure JSON, code-fenced JSON, narrative
// text with an embedded object, or several objects in a row. The first
// balanced top-level object whose action is in the allowed set wins; when
// none qualifies the reply is conversation and nil is returned.
func ParseToolCall(text string) *ToolCall {
	cleaned := strings.TrimSpace(text)

	if strings.HasPrefix(cleaned, "```") {
		var jsonLines []string
		inBlock := false
		for _, line := range strings.Split(cleaned, "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "```") && !inBlock {
				inBlock = true
				continue
			}
			if trimmed == "```" && inBlock {
				break
			}
			if inBlock {
				jsonLines = append(jsonLines, line)
			}
		}
		cleaned = strings.TrimSpace(strings.Join(jsonLines, "\n"))
	}

	for _, candidate := range extractJSONObjects(cleaned) {
		var call ToolCall
		if err := json.Unmarshal([]byte(candidate), &call); err != nil {
			continue
		}
		if _, ok := allowedActions[call.Action]; ok {
			return &call
		}
	}
	return nil
}

// extractJSONObjects returns every balanced top-level {...} substring,
// respecting JSON string literals and escapes.
func extractJSONObjects(s string) []string {
	var objects []string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		depth := 0
		start := i
		inString := false
		escapeNext := false
		for ; i < len(s); i++ {
			ch := s[i]
			if escapeNext {
				escapeNext = false
				continue
			}
			if ch == '\\' && inString {
				escapeNext = true
				continue
			}
			if ch == '"' {
				inString = !inString
				continue
			}
			if inString {
				continue
			}
			if ch == '{' {
				depth++
			} else if ch == '}' {
				depth--
				if depth == 0 {
					objects = append(objects, s[start:i+1])
					break
				}
			}
		}
	}
	return objects
}
