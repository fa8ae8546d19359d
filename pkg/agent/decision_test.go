package agent

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolCall(t *testing.T) {
	tests := []struct {
		name string
		text string
		want *ToolCall
	}{
		{
			name: "pure JSON run_command",
			text: `{"action": "run_command", "command": "ls -la", "reasoning": "listing files"}`,
			want: &ToolCall{Action: "run_command", Command: "ls -la", Reasoning: "listing files"},
		},
		{
			name: "fenced JSON",
			text: "```json\n{\"action\": \"finish\", \"summary\": \"All done.\"}\n```",
			want: &ToolCall{Action: "finish", Summary: "All done."},
		},
		{
			name: "fence without language tag",
			text: "```\n{\"action\": \"pause\", \"guidance\": \"Need the account name.\"}\n```",
			want: &ToolCall{Action: "pause", Guidance: "Need the account name."},
		},
		{
			name: "narrative before JSON",
			text: "Let me check the project layout first.\n\n{\"action\": \"run_command\", \"command\": \"ls sql_input\"}",
			want: &ToolCall{Action: "run_command", Command: "ls sql_input"},
		},
		{
			name: "run_tool with args",
			text: `{"action": "run_tool", "args": {"command": "scai --version"}}`,
			want: &ToolCall{Action: "run_tool", Args: map[string]any{"command": "scai --version"}},
		},
		{
			name: "first object invalid action, second valid",
			text: `{"action": "think"} {"action": "run_command", "command": "pwd"}`,
			want: &ToolCall{Action: "run_command", Command: "pwd"},
		},
		{
			name: "braces inside string literals",
			text: `{"action": "run_command", "command": "echo '{\"a\": 1}'", "reasoning": "emit {json}"}`,
			want: &ToolCall{Action: "run_command", Command: `echo '{"a": 1}'`, Reasoning: "emit {json}"},
		},
		{
			name: "plain conversation",
			text: "The conversion finished without warnings. You can review the output now.",
			want: nil,
		},
		{
			name: "unknown action only",
			text: `{"action": "dance", "command": "ls"}`,
			want: nil,
		},
		{
			name: "malformed JSON then nothing",
			text: `{"action": "run_command", "command": }`,
			want: nil,
		},
		{
			name: "empty input",
			text: "",
			want: nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseToolCall(tc.text)
			if tc.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tc.want.Action, got.Action)
			assert.Equal(t, tc.want.Command, got.Command)
			assert.Equal(t, tc.want.Reasoning, got.Reasoning)
			assert.Equal(t, tc.want.Summary, got.Summary)
			assert.Equal(t, tc.want.Guidance, got.Guidance)
			if tc.want.Args != nil {
				assert.Equal(t, tc.want.Args, got.Args)
			}
		})
	}
}

func TestParseToolCallProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	actionGen := gen.OneConstOf("run_command", "run_tool", "finish", "pause")

	properties.Property("embedded tool-call JSON survives narrative prefixes", prop.ForAll(
		func(narrative, action, command string) bool {
			payload, err := json.Marshal(map[string]string{"action": action, "command": command})
			if err != nil {
				return false
			}
			call := ParseToolCall(narrative + "\n" + string(payload))
			return call != nil && call.Action == action && call.Command == command
		},
		gen.AlphaString(),
		actionGen,
		gen.Identifier(),
	))

	properties.Property("fencing does not change the parse", prop.ForAll(
		func(action, command string) bool {
			payload, err := json.Marshal(map[string]string{"action": action, "command": command})
			if err != nil {
				return false
			}
			bare := ParseToolCall(string(payload))
			fenced := ParseToolCall("```json\n" + string(payload) + "\n```")
			return bare != nil && fenced != nil &&
				bare.Action == fenced.Action && bare.Command == fenced.Command
		},
		actionGen,
		gen.Identifier(),
	))

	properties.Property("text without an object never parses", prop.ForAll(
		func(text string) bool {
			if strings.ContainsRune(text, '{') {
				return true
			}
			return ParseToolCall(text) == nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestExtractJSONObjects(t *testing.T) {
	objects := extractJSONObjects(`prefix {"a": {"b": 1}} middle {"c": "}"} suffix`)
	require.Len(t, objects, 2)
	assert.Equal(t, `{"a": {"b": 1}}`, objects[0])
	assert.Equal(t, `{"c": "}"}`, objects[1])
}

func TestExtractJSONObjectsUnbalanced(t *testing.T) {
	assert.Empty(t, extractJSONObjects(`{"open": true`))
}
