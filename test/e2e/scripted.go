package e2e

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/snowlift/snowlift/pkg/llm"
	"github.com/snowlift/snowlift/pkg/models"
	"github.com/snowlift/snowlift/pkg/workflow"
)

// ScriptedLLM serves both the chat loop and the workflow supervisor.
// Replies pop in order; when the script runs dry the supervisor's
// default answer keeps workflows moving. A non-nil Err fails every call,
// which pushes the supervisor onto its deterministic fallback.
type ScriptedLLM struct {
	mu      sync.Mutex
	replies []string
	Err     error
	Calls   int
	Prompts []string
}

func NewScriptedLLM(replies ...string) *ScriptedLLM {
	return &ScriptedLLM{replies: replies}
}

func (s *ScriptedLLM) CallBuffered(_ context.Context, _ llm.Conn, _ llm.ModelConfig, messages []models.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(messages) > 0 {
		s.Prompts = append(s.Prompts, messages[len(messages)-1].Content)
	}
	if s.Err != nil {
		return "", s.Err
	}
	s.Calls++
	if len(s.replies) == 0 {
		return `{"decision": "proceed", "reasoning": "ok"}`, nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

// LastPrompt returns the newest recorded model input, or "".
func (s *ScriptedLLM) LastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Prompts) == 0 {
		return ""
	}
	return s.Prompts[len(s.Prompts)-1]
}

// ScriptedCLI stands in for the scai binary. init succeeds silently,
// code add copies the input directory into the project's source tree, and
// code convert writes one converted file per source file using the
// configured transform.
type ScriptedCLI struct {
	mu      sync.Mutex
	convert func(name, source string) string
	Calls   [][]string
}

func (s *ScriptedCLI) Run(_ context.Context, dir string, _ time.Duration, name string, args ...string) (workflow.CommandResult, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, append([]string{name}, args...))
	s.mu.Unlock()

	switch {
	case len(args) > 0 && args[0] == "init":
		return workflow.CommandResult{Stdout: "Project initialized"}, nil

	case len(args) >= 4 && args[0] == "code" && args[1] == "add":
		input := args[3]
		if err := copyFlat(input, filepath.Join(dir, "source")); err != nil {
			return workflow.CommandResult{}, err
		}
		return workflow.CommandResult{Stdout: "Source code added"}, nil

	case len(args) >= 2 && args[0] == "code" && args[1] == "convert":
		srcDir := filepath.Join(dir, "source")
		outDir := filepath.Join(dir, "converted")
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return workflow.CommandResult{}, err
		}
		entries, err := os.ReadDir(srcDir)
		if err != nil {
			return workflow.CommandResult{}, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			raw, readErr := os.ReadFile(filepath.Join(srcDir, entry.Name()))
			if readErr != nil {
				return workflow.CommandResult{}, readErr
			}
			out := s.convert(entry.Name(), string(raw))
			if writeErr := os.WriteFile(filepath.Join(outDir, entry.Name()), []byte(out), 0o644); writeErr != nil {
				return workflow.CommandResult{}, writeErr
			}
		}
		return workflow.CommandResult{Stdout: "Conversion finished"}, nil
	}
	return workflow.CommandResult{}, nil
}

// CommandLines renders the recorded invocations one per line for asserts.
func (s *ScriptedCLI) CommandLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]string, 0, len(s.Calls))
	for _, call := range s.Calls {
		line := call[0]
		for _, arg := range call[1:] {
			line += " " + arg
		}
		lines = append(lines, line)
	}
	return lines
}

// defaultConvert mimics SnowConvert's habit of growing the output: the
// source rides through under a header banner, so line-count validation
// passes.
func defaultConvert(_ string, source string) string {
	return "-- Converted with SnowConvert\n-- Target: Snowflake\n" + source
}

// ScriptedRuntime satisfies workflow.Runtime without a warehouse. Failures
// pop in order; once drained every script succeeds.
type ScriptedRuntime struct {
	mu       sync.Mutex
	failures []error
	Scripts  []string
}

func (s *ScriptedRuntime) ExecuteScript(_ context.Context, sqlText string) ([]models.StatementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Scripts = append(s.Scripts, sqlText)
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	return []models.StatementResult{{StatementIndex: 0, Status: "success"}}, nil
}

func (s *ScriptedRuntime) DB() *sql.DB      { return nil }
func (s *ScriptedRuntime) RESTHost() string { return "test.snowflakecomputing.com" }
func (s *ScriptedRuntime) Token() string    { return "" }
func (s *ScriptedRuntime) Close() error     { return nil }

// ScriptCount returns how many scripts the runtime has executed.
func (s *ScriptedRuntime) ScriptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Scripts)
}

// Script returns the i-th executed script, or "".
func (s *ScriptedRuntime) Script(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.Scripts) {
		return ""
	}
	return s.Scripts[i]
}

// ScriptedTerminal replaces the PTY for chat scenarios: it records the
// commands the agent runs and answers with canned output.
type ScriptedTerminal struct {
	mu       sync.Mutex
	outputs  []string
	Commands []string
}

func (s *ScriptedTerminal) IsAlive() bool { return true }

func (s *ScriptedTerminal) ExecuteCommand(_ context.Context, command string, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Commands = append(s.Commands, command)
	if len(s.outputs) == 0 {
		return "", nil
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return out, nil
}

// fakeUpstream satisfies services.Upstream for the session manager.
type fakeUpstream struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeUpstream) Validate(context.Context) error { return nil }

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeUpstream) DB() *sql.DB      { return nil }
func (f *fakeUpstream) RESTHost() string { return "test.snowflakecomputing.com" }
func (f *fakeUpstream) Token() string    { return "" }

// copyFlat copies the regular files directly under src into dst.
func copyFlat(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, readErr := os.ReadFile(filepath.Join(src, entry.Name()))
		if readErr != nil {
			return readErr
		}
		if writeErr := os.WriteFile(filepath.Join(dst, entry.Name()), raw, 0o644); writeErr != nil {
			return writeErr
		}
	}
	return nil
}
