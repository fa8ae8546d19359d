package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/snowlift/snowlift/pkg/llm"
	"github.com/snowlift/snowlift/pkg/models"
	"github.com/snowlift/snowlift/pkg/services"
)

// MaxToolIterations bounds how many command round-trips one chat request
// may spend before the loop gives up.
const MaxToolIterations = 15

// outputTruncateAt is the feedback size threshold; larger terminal output is
// clipped to its head and tail before being shown to the model.
const (
	outputTruncateAt   = 3000
	outputHeadChars    = 1500
	outputTailChars    = 750
	emptyCommandErrMsg = "Error: Empty command. Please provide a valid shell command."
	noTerminalErrMsg   = "Error: No active terminal session. The user needs to open the terminal first."
	commandFailedHint  = "\n\nThe command failed. Analyze the error, determine the fix, " +
		"and respond with a corrected command JSON. " +
		"If unrecoverable, respond with plain text explaining the issue."
)

// Terminal is the slice of a PTY session the loop drives.
type Terminal interface {
	IsAlive() bool
	ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// TerminalResolver locates the user's terminal by session id; nil means no
// terminal is open.
type TerminalResolver func(sessionID string) Terminal

// LLMCaller is the buffered completion surface the loop needs.
type LLMCaller interface {
	CallBuffered(ctx context.Context, conn llm.Conn, cfg llm.ModelConfig, messages []models.ChatMessage) (string, error)
}

// Options carries the per-request context for a loop run.
type Options struct {
	ChatID           string
	SourceLanguage   string
	UploadedFilesDir string
	SessionID        string
	CommandTimeout   time.Duration
}

// Loop is the chat agent. One Loop serves all requests.
type Loop struct {
	llm       LLMCaller
	terminals TerminalResolver
	logger    *slog.Logger
}

// NewLoop wires the agent against a completion client and terminal lookup.
func NewLoop(caller LLMCaller, terminals TerminalResolver, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{llm: caller, terminals: terminals, logger: logger}
}

// Run drives one chat request to completion, emitting markdown deltas
// through emit. emit returns false when the client is gone, which stops the
// loop quietly.
//
// Flow: call the model buffered; if the reply parses as a tool call, run the
// command on the user's terminal and feed the output back; otherwise stream
// the reply and stop. Plain conversation costs a single iteration.
func (l *Loop) Run(ctx context.Context, session *services.Session, messages []models.ChatMessage, opts Options, emit func(string) bool) error {
	hasSystem := false
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			hasSystem = true
			break
		}
	}

	accumulated := make([]models.ChatMessage, 0, len(messages)+1)
	if !hasSystem {
		accumulated = append(accumulated, models.ChatMessage{
			Role:    models.RoleSystem,
			Content: BuildSystemPrompt(opts.ChatID, opts.SourceLanguage, opts.UploadedFilesDir),
		})
	}
	accumulated = append(accumulated, messages...)

	for iteration := 0; iteration < MaxToolIterations; iteration++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if iteration > 0 {
			if !emit("\n🔄 Analyzing results...\n\n") {
				return nil
			}
		}

		session.Mu.Lock()
		fullResponse, err := l.llm.CallBuffered(ctx, session.Conn, session.ModelConfig, accumulated)
		session.Mu.Unlock()
		if err != nil {
			l.logger.Error("LLM call failed", "error", err)
			emit(fmt.Sprintf("\n\n⚠️ LLM error: %v", err))
			return nil
		}

		call := ParseToolCall(fullResponse)
		if call == nil {
			// Plain conversation reply.
			if strings.TrimSpace(fullResponse) != "" {
				emit(fullResponse)
			}
			return nil
		}

		// Narrative mixed in before the JSON goes to the user as-is.
		if !strings.HasPrefix(strings.TrimSpace(fullResponse), "{") {
			if jsonStart := strings.Index(fullResponse, "{"); jsonStart > 0 {
				if before := strings.TrimSpace(fullResponse[:jsonStart]); before != "" {
					if !emit(before + "\n\n") {
						return nil
					}
				}
			}
			l.logger.Info("model mixed narrative text with tool-call JSON", "iteration", iteration)
		}

		switch call.Action {
		case "finish":
			summary := call.Summary
			if summary == "" {
				summary = "Done."
			}
			emit(summary)
			return nil

		case "pause":
			guidance := call.Guidance
			if guidance == "" {
				guidance = "I need more information to proceed."
			}
			emit(guidance)
			return nil

		case "run_command", "run_tool":
			command := call.Command
			if command == "" && call.Action == "run_tool" {
				if v, ok := call.Args["command"].(string); ok {
					command = v
				}
			}
			if command == "" {
				accumulated = append(accumulated,
					models.ChatMessage{Role: models.RoleAssistant, Content: fullResponse},
					models.ChatMessage{Role: models.RoleUser, Content: emptyCommandErrMsg},
				)
				continue
			}

			if call.Reasoning != "" {
				if !emit("🤔 " + call.Reasoning + "\n\n") {
					return nil
				}
			}
			if !emit("```\n$ " + command + "\n") {
				return nil
			}

			terminal := l.terminals(opts.SessionID)
			if terminal == nil || !terminal.IsAlive() {
				l.logger.Warn("no live PTY session for chat command", "session_id", opts.SessionID)
				accumulated = append(accumulated,
					models.ChatMessage{Role: models.RoleAssistant, Content: fullResponse},
					models.ChatMessage{Role: models.RoleUser, Content: noTerminalErrMsg},
				)
				if !emit("```\n⚠️ No active terminal. Please open the terminal panel.\n\n") {
					return nil
				}
				continue
			}

			l.logger.Info("executing chat command", "command", truncate(command, 120))
			output, cmdErr := terminal.ExecuteCommand(ctx, command, opts.CommandTimeout)

			status := "✓"
			if cmdErr != nil {
				status = fmt.Sprintf("✗ error: %v", cmdErr)
				output = ""
			}
			if !emit("```\n📋 " + status + "\n\n") {
				return nil
			}

			accumulated = append(accumulated, models.ChatMessage{Role: models.RoleAssistant, Content: fullResponse})

			resultText := "Command: " + command + "\n"
			if output != "" {
				resultText += "\nTerminal Output:\n" + truncateOutput(output)
			}
			if cmdErr != nil {
				resultText += fmt.Sprintf("\nError: %v", cmdErr)
				resultText += commandFailedHint
			}
			accumulated = append(accumulated, models.ChatMessage{Role: models.RoleUser, Content: resultText})
			continue

		default:
			// ParseToolCall only returns allowed actions.
			return nil
		}
	}

	emit("\n\n⚠️ Maximum tool iterations reached.")
	return nil
}

// truncateOutput clips long terminal output to its head and tail so the
// model keeps both the command banner and the trailing error.
func truncateOutput(output string) string {
	if len(output) <= outputTruncateAt {
		return output
	}
	return output[:outputHeadChars] + "\n...(truncated)...\n" + output[len(output)-outputTailChars:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
