package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowlift/snowlift/pkg/llm"
	"github.com/snowlift/snowlift/pkg/models"
	"github.com/snowlift/snowlift/pkg/services"
)

type scriptedLLM struct {
	replies []string
	errs    []error
	calls   [][]models.ChatMessage
}

func (s *scriptedLLM) CallBuffered(_ context.Context, _ llm.Conn, _ llm.ModelConfig, messages []models.ChatMessage) (string, error) {
	i := len(s.calls)
	s.calls = append(s.calls, append([]models.ChatMessage(nil), messages...))
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i >= len(s.replies) {
		return "", fmt.Errorf("no scripted reply for call %d", i)
	}
	return s.replies[i], nil
}

type fakeAgentTerminal struct {
	alive    bool
	outputs  []string
	errs     []error
	commands []string
}

func (f *fakeAgentTerminal) IsAlive() bool { return f.alive }

func (f *fakeAgentTerminal) ExecuteCommand(_ context.Context, command string, _ time.Duration) (string, error) {
	i := len(f.commands)
	f.commands = append(f.commands, command)
	var out string
	if i < len(f.outputs) {
		out = f.outputs[i]
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return out, err
}

func newTestLoop(caller LLMCaller, terminal Terminal) *Loop {
	resolver := func(string) Terminal { return terminal }
	if terminal == nil {
		resolver = func(string) Terminal { return nil }
	}
	logger := slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewLoop(caller, resolver, logger)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func userMessages(text string) []models.ChatMessage {
	return []models.ChatMessage{{Role: models.RoleUser, Content: text}}
}

func collectEmits(buf *[]string) func(string) bool {
	return func(s string) bool {
		*buf = append(*buf, s)
		return true
	}
}

func TestRunPlainConversation(t *testing.T) {
	caller := &scriptedLLM{replies: []string{"The project has three input files."}}
	loop := newTestLoop(caller, nil)

	var emitted []string
	err := loop.Run(context.Background(), &services.Session{ID: "s1"}, userMessages("what is in the project?"), Options{SessionID: "s1"}, collectEmits(&emitted))
	require.NoError(t, err)

	assert.Equal(t, []string{"The project has three input files."}, emitted)
	require.Len(t, caller.calls, 1)
	require.Len(t, caller.calls[0], 2)
	assert.Equal(t, models.RoleSystem, caller.calls[0][0].Role)
	assert.Contains(t, caller.calls[0][0].Content, "Database Migration Assistant")
	assert.Equal(t, models.RoleUser, caller.calls[0][1].Role)
}

func TestRunDoesNotDuplicateSystemPrompt(t *testing.T) {
	caller := &scriptedLLM{replies: []string{"ok"}}
	loop := newTestLoop(caller, nil)

	messages := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "custom system prompt"},
		{Role: models.RoleUser, Content: "hi"},
	}
	var emitted []string
	err := loop.Run(context.Background(), &services.Session{}, messages, Options{}, collectEmits(&emitted))
	require.NoError(t, err)

	require.Len(t, caller.calls, 1)
	systemCount := 0
	for _, m := range caller.calls[0] {
		if m.Role == models.RoleSystem {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount)
	assert.Equal(t, "custom system prompt", caller.calls[0][0].Content)
}

func TestRunCommandThenFinish(t *testing.T) {
	caller := &scriptedLLM{replies: []string{
		`{"action": "run_command", "command": "ls sql_input", "reasoning": "Checking the input files."}`,
		`{"action": "finish", "summary": "Two SQL files are ready for conversion."}`,
	}}
	terminal := &fakeAgentTerminal{alive: true, outputs: []string{"a.sql\nb.sql"}}
	loop := newTestLoop(caller, terminal)

	var emitted []string
	err := loop.Run(context.Background(), &services.Session{}, userMessages("list the inputs"), Options{SessionID: "s1", CommandTimeout: time.Minute}, collectEmits(&emitted))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"🤔 Checking the input files.\n\n",
		"```\n$ ls sql_input\n",
		"```\n📋 ✓\n\n",
		"\n🔄 Analyzing results...\n\n",
		"Two SQL files are ready for conversion.",
	}, emitted)
	assert.Equal(t, []string{"ls sql_input"}, terminal.commands)

	// Second call carries the assistant reply and the terminal feedback.
	require.Len(t, caller.calls, 2)
	feedback := caller.calls[1]
	last := feedback[len(feedback)-1]
	assert.Equal(t, models.RoleUser, last.Role)
	assert.Equal(t, "Command: ls sql_input\n\nTerminal Output:\na.sql\nb.sql", last.Content)
	assert.Equal(t, models.RoleAssistant, feedback[len(feedback)-2].Role)
}

func TestRunNarrativeBeforeToolCall(t *testing.T) {
	caller := &scriptedLLM{replies: []string{
		"Let me inspect the project layout first.\n\n{\"action\": \"run_command\", \"command\": \"pwd\"}",
		`{"action": "finish", "summary": "Done."}`,
	}}
	terminal := &fakeAgentTerminal{alive: true, outputs: []string{"/work/project"}}
	loop := newTestLoop(caller, terminal)

	var emitted []string
	err := loop.Run(context.Background(), &services.Session{}, userMessages("where are we?"), Options{}, collectEmits(&emitted))
	require.NoError(t, err)

	require.NotEmpty(t, emitted)
	assert.Equal(t, "Let me inspect the project layout first.\n\n", emitted[0])
	assert.Contains(t, emitted, "```\n$ pwd\n")
	assert.Equal(t, "Done.", emitted[len(emitted)-1])
}

func TestRunPauseEmitsGuidance(t *testing.T) {
	for _, tc := range []struct {
		name  string
		reply string
		want  string
	}{
		{"explicit guidance", `{"action": "pause", "guidance": "Which warehouse should I use?"}`, "Which warehouse should I use?"},
		{"default guidance", `{"action": "pause"}`, "I need more information to proceed."},
	} {
		t.Run(tc.name, func(t *testing.T) {
			caller := &scriptedLLM{replies: []string{tc.reply}}
			loop := newTestLoop(caller, nil)

			var emitted []string
			err := loop.Run(context.Background(), &services.Session{}, userMessages("go"), Options{}, collectEmits(&emitted))
			require.NoError(t, err)
			assert.Equal(t, []string{tc.want}, emitted)
		})
	}
}

func TestRunFinishDefaultSummary(t *testing.T) {
	caller := &scriptedLLM{replies: []string{`{"action": "finish"}`}}
	loop := newTestLoop(caller, nil)

	var emitted []string
	err := loop.Run(context.Background(), &services.Session{}, userMessages("go"), Options{}, collectEmits(&emitted))
	require.NoError(t, err)
	assert.Equal(t, []string{"Done."}, emitted)
}

func TestRunWithoutTerminal(t *testing.T) {
	caller := &scriptedLLM{replies: []string{
		`{"action": "run_command", "command": "ls"}`,
		"I cannot run commands until the terminal is open.",
	}}
	loop := newTestLoop(caller, nil)

	var emitted []string
	err := loop.Run(context.Background(), &services.Session{}, userMessages("list files"), Options{}, collectEmits(&emitted))
	require.NoError(t, err)

	assert.Contains(t, emitted, "```\n⚠️ No active terminal. Please open the terminal panel.\n\n")
	require.Len(t, caller.calls, 2)
	feedback := caller.calls[1]
	assert.Equal(t, noTerminalErrMsg, feedback[len(feedback)-1].Content)
}

func TestRunDeadTerminalTreatedAsMissing(t *testing.T) {
	caller := &scriptedLLM{replies: []string{
		`{"action": "run_command", "command": "ls"}`,
		"plain answer",
	}}
	terminal := &fakeAgentTerminal{alive: false}
	loop := newTestLoop(caller, terminal)

	var emitted []string
	err := loop.Run(context.Background(), &services.Session{}, userMessages("list"), Options{}, collectEmits(&emitted))
	require.NoError(t, err)

	assert.Empty(t, terminal.commands)
	assert.Contains(t, emitted, "```\n⚠️ No active terminal. Please open the terminal panel.\n\n")
}

func TestRunEmptyCommandFeedsErrorBack(t *testing.T) {
	caller := &scriptedLLM{replies: []string{
		`{"action": "run_tool", "args": {"tool": "scai"}}`,
		`{"action": "finish", "summary": "Stopping."}`,
	}}
	terminal := &fakeAgentTerminal{alive: true}
	loop := newTestLoop(caller, terminal)

	var emitted []string
	err := loop.Run(context.Background(), &services.Session{}, userMessages("run it"), Options{}, collectEmits(&emitted))
	require.NoError(t, err)

	assert.Empty(t, terminal.commands)
	require.Len(t, caller.calls, 2)
	feedback := caller.calls[1]
	assert.Equal(t, emptyCommandErrMsg, feedback[len(feedback)-1].Content)
}

func TestRunToolCommandFromArgs(t *testing.T) {
	caller := &scriptedLLM{replies: []string{
		`{"action": "run_tool", "args": {"command": "scai --version"}}`,
		`{"action": "finish", "summary": "Done."}`,
	}}
	terminal := &fakeAgentTerminal{alive: true, outputs: []string{"1.2.3"}}
	loop := newTestLoop(caller, terminal)

	var emitted []string
	err := loop.Run(context.Background(), &services.Session{}, userMessages("version?"), Options{}, collectEmits(&emitted))
	require.NoError(t, err)
	assert.Equal(t, []string{"scai --version"}, terminal.commands)
}

func TestRunCommandFailureFeedsRecoveryHint(t *testing.T) {
	caller := &scriptedLLM{replies: []string{
		`{"action": "run_command", "command": "scai convert"}`,
		`{"action": "finish", "summary": "Could not convert."}`,
	}}
	terminal := &fakeAgentTerminal{alive: true, errs: []error{errors.New("exit status 2")}}
	loop := newTestLoop(caller, terminal)

	var emitted []string
	err := loop.Run(context.Background(), &services.Session{}, userMessages("convert"), Options{}, collectEmits(&emitted))
	require.NoError(t, err)

	assert.Contains(t, emitted, "```\n📋 ✗ error: exit status 2\n\n")
	require.Len(t, caller.calls, 2)
	feedback := caller.calls[1][len(caller.calls[1])-1].Content
	assert.Contains(t, feedback, "Error: exit status 2")
	assert.Contains(t, feedback, "respond with a corrected command JSON")
	assert.NotContains(t, feedback, "Terminal Output:")
}

func TestRunStopsAtIterationCap(t *testing.T) {
	reply := `{"action": "run_command", "command": "echo tick"}`
	replies := make([]string, MaxToolIterations)
	for i := range replies {
		replies[i] = reply
	}
	caller := &scriptedLLM{replies: replies}
	terminal := &fakeAgentTerminal{alive: true}
	loop := newTestLoop(caller, terminal)

	var emitted []string
	err := loop.Run(context.Background(), &services.Session{}, userMessages("loop forever"), Options{}, collectEmits(&emitted))
	require.NoError(t, err)

	assert.Len(t, terminal.commands, MaxToolIterations)
	assert.Equal(t, "\n\n⚠️ Maximum tool iterations reached.", emitted[len(emitted)-1])
}

func TestRunSurfacesLLMError(t *testing.T) {
	caller := &scriptedLLM{errs: []error{errors.New("cortex unavailable")}}
	loop := newTestLoop(caller, nil)

	var emitted []string
	err := loop.Run(context.Background(), &services.Session{}, userMessages("hello"), Options{}, collectEmits(&emitted))
	require.NoError(t, err)
	require.Len(t, emitted, 1)
	assert.Equal(t, "\n\n⚠️ LLM error: cortex unavailable", emitted[0])
}

func TestRunStopsWhenClientDisconnects(t *testing.T) {
	caller := &scriptedLLM{replies: []string{
		`{"action": "run_command", "command": "ls", "reasoning": "checking"}`,
	}}
	terminal := &fakeAgentTerminal{alive: true}
	loop := newTestLoop(caller, terminal)

	err := loop.Run(context.Background(), &services.Session{}, userMessages("list"), Options{}, func(string) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, terminal.commands)
}

func TestRunHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	caller := &scriptedLLM{replies: []string{"never used"}}
	loop := newTestLoop(caller, nil)

	err := loop.Run(ctx, &services.Session{}, userMessages("hi"), Options{}, func(string) bool { return true })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, caller.calls)
}

func TestTruncateOutput(t *testing.T) {
	short := strings.Repeat("x", outputTruncateAt)
	assert.Equal(t, short, truncateOutput(short))

	long := strings.Repeat("h", 2000) + strings.Repeat("t", 2000)
	got := truncateOutput(long)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("h", outputHeadChars)))
	assert.True(t, strings.HasSuffix(got, strings.Repeat("t", outputTailChars)))
	assert.Contains(t, got, "\n...(truncated)...\n")
	assert.Less(t, len(got), len(long))
}
