package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/snowlift/snowlift/pkg/models"
)

// sqlFallbackChunkSize is how the buffered SQL response is re-chunked into
// deltas so the client still renders progressively.
const sqlFallbackChunkSize = 80

// BuildPrompt flattens a conversation into the single-prompt form used by
// the Cortex COMPLETE SQL function: system content first, then role-labelled
// turns, ending with an open assistant turn.
func BuildPrompt(messages []models.ChatMessage) string {
	var systemChunks []string
	var dialogChunks []string

	for _, message := range messages {
		content := strings.TrimSpace(message.Text())
		if content == "" {
			continue
		}
		if message.Role == models.RoleSystem {
			systemChunks = append(systemChunks, content)
			continue
		}
		label := "User"
		if message.Role == models.RoleAssistant {
			label = "Assistant"
		}
		dialogChunks = append(dialogChunks, label+": "+content)
	}

	var parts []string
	if len(systemChunks) > 0 {
		parts = append(parts, "System: "+strings.Join(systemChunks, "\n"))
	}
	parts = append(parts, dialogChunks...)
	parts = append(parts, "Assistant:")

	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// BuildCortexStatement renders the SQL statement for the configured Cortex
// function. COMPLETE-family functions use the AI_COMPLETE form with an
// inline prompt; anything else passes the conversation as JSON.
func BuildCortexStatement(cfg ModelConfig, messages []models.ChatMessage) string {
	function := cfg.CortexFunction
	if function == "" {
		function = "complete"
	}
	normalized := strings.ToLower(strings.TrimSpace(function))

	if normalized == "complete" || normalized == "ai_complete" || strings.HasPrefix(normalized, "complete$") {
		prompt := strings.ReplaceAll(BuildPrompt(messages), "$$", "$ $")
		modelLiteral := strings.ReplaceAll(cfg.Model, "'", "''")

		var params []string
		if cfg.Temperature != nil {
			params = append(params, fmt.Sprintf("'temperature': %s", formatFloat(*cfg.Temperature)))
		}
		if cfg.TopP != nil {
			params = append(params, fmt.Sprintf("'top_p': %s", formatFloat(*cfg.TopP)))
		}
		if cfg.MaxTokens != nil {
			params = append(params, fmt.Sprintf("'max_tokens': %d", *cfg.MaxTokens))
		}
		paramsLiteral := "{ }"
		if len(params) > 0 {
			paramsLiteral = "{ " + strings.Join(params, ", ") + " }"
		}

		return "select AI_COMPLETE(" +
			fmt.Sprintf("model => '%s', ", modelLiteral) +
			"prompt => $$" + prompt + "$$, " +
			fmt.Sprintf("model_parameters => %s, ", paramsLiteral) +
			"show_details => true" +
			") as llm_response;"
	}

	payload, _ := json.Marshal(toRESTMessages(messages))
	options := map[string]any{
		"temperature": cfg.Temperature,
		"top_p":       1.0,
		"max_tokens":  2048,
	}
	if cfg.TopP != nil {
		options["top_p"] = *cfg.TopP
	}
	if cfg.MaxTokens != nil {
		options["max_tokens"] = *cfg.MaxTokens
	}
	optionsJSON, _ := json.Marshal(options)

	return fmt.Sprintf(
		"select snowflake.cortex.%s('%s', parse_json($$%s$$), parse_json($$%s$$)) as llm_response;",
		function, cfg.Model, payload, optionsJSON,
	)
}

func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// chunkText splits text into fixed-size windows.
func chunkText(content string, size int) []string {
	if content == "" || size <= 0 {
		return nil
	}
	var chunks []string
	for start := 0; start < len(content); start += size {
		end := start + size
		if end > len(content) {
			end = len(content)
		}
		chunks = append(chunks, content[start:end])
	}
	return chunks
}

// extractResponseText digs the reply text out of the variety of envelope
// shapes Cortex functions return.
func extractResponseText(response any) string {
	m, ok := response.(map[string]any)
	if !ok {
		return coerceText(response)
	}

	if choices, ok := m["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			for _, key := range []string{"message", "messages", "delta", "content", "text"} {
				if v, present := choice[key]; present {
					return coerceText(v)
				}
			}
		}
	}

	for _, key := range []string{"message", "content", "text"} {
		if v, present := m[key]; present {
			return coerceText(v)
		}
	}
	return coerceText(response)
}

// coerceText flattens strings, text-part lists, and message objects into
// plain text.
func coerceText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, item := range v {
			switch it := item.(type) {
			case string:
				b.WriteString(it)
			case map[string]any:
				if text, ok := it["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		return b.String()
	case map[string]any:
		if content, ok := v["content"].(string); ok {
			return content
		}
		if text, ok := v["text"].(string); ok {
			return text
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	default:
		return fmt.Sprint(v)
	}
}

// normalizeUsage maps provider token-count keys onto the wire names the UI
// expects. Returns nil when nothing usable is present.
func normalizeUsage(usage map[string]any) *Usage {
	if len(usage) == 0 {
		return nil
	}

	intAt := func(keys ...string) int {
		for _, key := range keys {
			if v, ok := usage[key]; ok {
				switch n := v.(type) {
				case float64:
					return int(n)
				case int:
					return n
				}
			}
		}
		return 0
	}

	normalized := &Usage{
		PromptTokens:     intAt("prompt_tokens", "input_tokens"),
		CompletionTokens: intAt("completion_tokens", "output_tokens"),
		TotalTokens:      intAt("total_tokens"),
	}
	if normalized.PromptTokens == 0 && normalized.CompletionTokens == 0 && normalized.TotalTokens == 0 {
		return nil
	}
	return normalized
}
