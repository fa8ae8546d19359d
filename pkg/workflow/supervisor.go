package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/snowlift/snowlift/pkg/llm"
	"github.com/snowlift/snowlift/pkg/models"
)

// naturalNext maps the stage just completed to its "proceed" target. The
// same table feeds the supervisor prompt and the routing after it.
var naturalNext = map[models.Stage]string{
	models.StageInitProject:        "add_source_code",
	models.StageAddSourceCode:      "apply_schema_mapping",
	models.StageApplySchemaMapping: "convert_code",
	models.StageConvertCode:        "execute_sql",
	models.StageExecuteSQL:         "validate",
	models.StageSelfHeal:           "validate",
	models.StageValidate:           "finalize",
	models.StageHumanReview:        "execute_sql",
	models.StageFinalize:           "",
}

// allowedDecisions constrains what the supervisor may decide after each
// stage. The early stages are linear: either the step worked or the run is
// unrecoverable.
var allowedDecisions = map[models.Stage][]models.Decision{
	models.StageInitProject:        {models.DecisionProceed, models.DecisionAbort},
	models.StageAddSourceCode:      {models.DecisionProceed, models.DecisionAbort},
	models.StageApplySchemaMapping: {models.DecisionProceed, models.DecisionAbort},
	models.StageConvertCode:        {models.DecisionProceed, models.DecisionAbort},
	models.StageExecuteSQL:         {models.DecisionProceed, models.DecisionSelfHeal, models.DecisionHumanReview, models.DecisionFinalize, models.DecisionAbort},
	models.StageSelfHeal:           {models.DecisionProceed, models.DecisionSelfHeal, models.DecisionFinalize, models.DecisionAbort},
	models.StageValidate:           {models.DecisionProceed, models.DecisionSelfHeal, models.DecisionFinalize, models.DecisionAbort},
	models.StageHumanReview:        {models.DecisionProceed, models.DecisionAbort},
	models.StageFinalize:           {models.DecisionProceed},
}

func allowedFor(stage models.Stage) []models.Decision {
	if allowed, ok := allowedDecisions[stage]; ok {
		return allowed
	}
	return []models.Decision{models.DecisionProceed, models.DecisionAbort}
}

func decisionAllowed(allowed []models.Decision, d models.Decision) bool {
	for _, a := range allowed {
		if a == d {
			return true
		}
	}
	return false
}

// buildStateSummary renders the migration state as the compact bullet list
// the supervisor prompt embeds.
func buildStateSummary(mc *models.MigrationContext) string {
	lines := []string{
		"Project: " + mc.ProjectName,
		"Current stage: " + string(mc.CurrentStage),
		fmt.Sprintf("Source language: %s → %s", mc.SourceLanguage, mc.TargetPlatform),
	}

	if mc.ProjectInitialized {
		lines = append(lines, "✓ Project initialized")
	}
	if mc.SourceAdded {
		lines = append(lines, fmt.Sprintf("✓ Source code added (%d files)", len(mc.SourceFiles)))
	}
	if mc.Converted {
		lines = append(lines, fmt.Sprintf("✓ Code converted (%d output files)", len(mc.ConvertedFiles)))
	}

	if mc.ExecutionPassed {
		lines = append(lines, "✓ SQL execution passed")
	} else if len(mc.ExecutionErrors) > 0 {
		last := mc.ExecutionErrors[len(mc.ExecutionErrors)-1]
		lines = append(lines, fmt.Sprintf("✗ SQL execution failed: %s — %s", last.Type, truncate(last.Message, 200)))
		if len(mc.MissingObjects) > 0 {
			lines = append(lines, "  Missing objects: "+strings.Join(mc.MissingObjects, ", "))
		}
	}

	if mc.SelfHealIteration > 0 {
		lines = append(lines, fmt.Sprintf("Self-heal iterations: %d/%d", mc.SelfHealIteration, mc.MaxSelfHealIterations))
		if len(mc.SelfHealLog) > 0 {
			outcome := "failed"
			if mc.SelfHealLog[len(mc.SelfHealLog)-1].Success {
				outcome = "success"
			}
			lines = append(lines, "  Last heal: "+outcome)
		}
	}

	if mc.ValidationPassed {
		lines = append(lines, "✓ Validation passed")
	} else if len(mc.ValidationIssues) > 0 {
		lines = append(lines, fmt.Sprintf("✗ Validation failed: %d issues", len(mc.ValidationIssues)))
		for i, issue := range mc.ValidationIssues {
			if i >= 3 {
				break
			}
			severity := firstNonEmpty(issue.Severity, "error")
			lines = append(lines, fmt.Sprintf("  - [%s] %s", severity, truncate(issue.Message, 100)))
		}
	}

	if len(mc.Errors) > 0 {
		lines = append(lines, fmt.Sprintf("Errors (%d):", len(mc.Errors)))
		start := len(mc.Errors) - 3
		if start < 0 {
			start = 0
		}
		for _, err := range mc.Errors[start:] {
			lines = append(lines, "  - "+truncate(err, 150))
		}
	}

	if len(mc.Warnings) > 0 {
		lines = append(lines, fmt.Sprintf("Warnings: %d total", len(mc.Warnings)))
	}

	if mc.ReportScanSummary.TotalReportIssues > 0 {
		lines = append(lines, fmt.Sprintf("SnowConvert report: %d actionable issues, %d ignored",
			mc.ReportScanSummary.ActionableIssues, mc.ReportScanSummary.IgnoredIssues))
	}

	return strings.Join(lines, "\n")
}

// buildSupervisorPrompt renders the routing prompt for the supervisor's
// Cortex call.
func buildSupervisorPrompt(mc *models.MigrationContext) string {
	stage := mc.CurrentStage
	allowed := allowedFor(stage)
	next := naturalNext[stage]
	if next == "" {
		next = "finalize"
	}
	allowedJSON := marshalForPrompt(allowed)

	return fmt.Sprintf(`You are a Snowflake migration workflow orchestrator. You evaluate the result of each workflow step and decide the next action.

CURRENT STATE:
%s

LAST COMPLETED STEP: %s

ALLOWED DECISIONS: %s
- "proceed": Continue to the natural next step (%s)
- "self_heal": Route to LLM-based code repair (only if execution/validation failed)
- "human_review": Pause workflow for user intervention (e.g., missing DDL objects)
- "finalize": Skip remaining steps and finalize with current results
- "abort": Stop workflow due to unrecoverable error

RULES:
1. If the current step completed successfully with no errors, decide "proceed".
2. If execution failed due to a missing object (table/schema not found), decide "human_review".
3. If execution failed due to a syntax or logic error, decide "self_heal" (unless max iterations reached).
4. If validation failed and self-heal budget remains, decide "self_heal".
5. If validation failed and self-heal budget is exhausted, decide "finalize".
6. If there are critical unrecoverable errors, decide "abort".
7. Always explain your reasoning briefly.

Respond with ONLY a JSON object, no markdown fences:
{"decision": "<one of %s>", "reasoning": "<brief explanation>"}`,
		buildStateSummary(mc), stage, allowedJSON, next, allowedJSON)
}

// parseSupervisorResponse extracts (decision, reasoning) from the model's
// reply. Invalid or unparseable replies degrade to "proceed"; the raw text
// is kept in the reasoning so the history shows what happened.
func parseSupervisorResponse(raw string, allowed []models.Decision) (models.Decision, string) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		if len(lines) >= 2 {
			if strings.HasPrefix(lines[len(lines)-1], "```") {
				text = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
			} else {
				text = strings.TrimSpace(strings.Join(lines[1:], "\n"))
			}
		}
	}

	var parsed struct {
		Decision  string `json:"decision"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		decision := models.Decision(strings.ToLower(strings.TrimSpace(parsed.Decision)))
		if decision == "" {
			decision = models.DecisionProceed
		}
		if !decisionAllowed(allowed, decision) {
			decision = models.DecisionProceed
		}
		return decision, strings.TrimSpace(parsed.Reasoning)
	}

	lowered := strings.ToLower(text)
	for _, option := range allowed {
		if strings.Contains(lowered, string(option)) {
			return option, "(Parsed from text) " + truncate(text, 200)
		}
	}
	return models.DecisionProceed, "(Parse failed, defaulting to proceed) " + truncate(text, 200)
}

// deterministicFallback routes without the LLM, mirroring the plain
// conditional edges the supervisor replaced.
func deterministicFallback(mc *models.MigrationContext, allowed []models.Decision) (models.Decision, string) {
	switch mc.CurrentStage {
	case models.StageError:
		return models.DecisionFinalize, "Error state detected, finalizing."

	case models.StageExecuteSQL:
		if mc.ExecutionPassed {
			return models.DecisionProceed, "Execution passed, proceeding to validation."
		}
		if len(mc.MissingObjects) > 0 && decisionAllowed(allowed, models.DecisionHumanReview) {
			return models.DecisionHumanReview, "Missing objects: " + strings.Join(mc.MissingObjects, ", ")
		}
		if decisionAllowed(allowed, models.DecisionSelfHeal) {
			return models.DecisionSelfHeal, "Execution failed, attempting self-heal."
		}
		return models.DecisionFinalize, "Execution failed, no recovery options."

	case models.StageValidate:
		if mc.ValidationPassed {
			return models.DecisionProceed, "Validation passed."
		}
		if mc.SelfHealIteration < mc.MaxSelfHealIterations && decisionAllowed(allowed, models.DecisionSelfHeal) {
			return models.DecisionSelfHeal, fmt.Sprintf("Validation failed, self-heal iteration %d.", mc.SelfHealIteration+1)
		}
		return models.DecisionFinalize, "Validation failed, max retries reached."

	case models.StageSelfHeal:
		return models.DecisionProceed, "Self-heal complete, proceeding to validation."
	}

	return models.DecisionProceed, fmt.Sprintf("Step %s completed, proceeding.", mc.CurrentStage)
}

// Supervise evaluates the state after a task node and records the routing
// decision. Error and completed states short-circuit; a paused human-review
// state stays paused. When the model cannot be reached the deterministic
// fallback decides instead, with the failure noted in the reasoning.
func (p *Pipeline) Supervise(ctx context.Context, mc *models.MigrationContext) {
	stage := mc.CurrentStage
	allowed := allowedFor(stage)

	if stage == models.StageError || stage == models.StageCompleted {
		if stage == models.StageError {
			mc.SupervisorDecision = models.DecisionFinalize
		} else {
			mc.SupervisorDecision = models.DecisionProceed
		}
		mc.SupervisorReasoning = fmt.Sprintf("Stage is %s, auto-routing.", stage)
		mc.LogActivity("info", fmt.Sprintf("[Supervisor] Auto-routing: %s", mc.SupervisorDecision), nil)
		return
	}

	if stage == models.StageHumanReview && mc.RequiresHumanIntervention {
		mc.SupervisorDecision = models.DecisionHumanReview
		mc.SupervisorReasoning = "Human intervention is required. Pausing workflow."
		mc.LogActivity("info", "[Supervisor] Human review required, pausing.", nil)
		return
	}

	p.logger.Info("supervisor evaluating", "after_stage", stage)
	mc.LogActivity("info", fmt.Sprintf("[Supervisor] Evaluating after: %s", stage), nil)
	p.echoLine(mc, fmt.Sprintf("🧠 Supervisor evaluating after: %s...", stage))

	var decision models.Decision
	var reasoning string

	rt, err := p.connect(ctx, mc)
	if err != nil {
		decision, reasoning = deterministicFallback(mc, allowed)
		p.logger.Warn("supervisor has no snowflake session, using fallback", "decision", decision, "error", err)
	} else {
		zero := 0.0
		cfg := llm.ModelConfig{
			Model:          p.cfg.CortexModel,
			CortexFunction: p.cfg.CortexFunction,
			Temperature:    &zero,
		}
		reply, callErr := p.llm.CallBuffered(ctx, rt, cfg, []models.ChatMessage{
			{Role: models.RoleUser, Content: buildSupervisorPrompt(mc)},
		})
		_ = rt.Close()
		if callErr != nil {
			p.logger.Warn("supervisor llm call failed, using fallback", "error", callErr)
			decision, reasoning = deterministicFallback(mc, allowed)
			reasoning = fmt.Sprintf("(LLM unavailable: %v) %s", callErr, reasoning)
		} else {
			decision, reasoning = parseSupervisorResponse(reply, allowed)
		}
	}

	mc.SupervisorDecision = decision
	mc.SupervisorReasoning = reasoning
	mc.UpdatedAt = time.Now()

	mc.LogActivity("info", fmt.Sprintf("[Supervisor] Decision: %s", decision), map[string]any{"reasoning": reasoning})
	p.echoLine(mc, fmt.Sprintf("🧠 Supervisor → %s: %s", decision, truncate(reasoning, 120)))

	mc.DecisionHistory = append(mc.DecisionHistory, models.DecisionRecord{
		Timestamp:  time.Now().Format(time.RFC3339),
		AfterStage: stage,
		Decision:   decision,
		Reasoning:  reasoning,
	})
}

// RouteAfterSupervisor resolves the supervisor's decision to the next node
// name, or "" when the run is over. An abort flips the context into the
// error state and routes through finalize so the run still produces a
// terminal status.
func RouteAfterSupervisor(mc *models.MigrationContext) string {
	switch mc.SupervisorDecision {
	case models.DecisionAbort:
		mc.CurrentStage = models.StageError
		mc.AddError("Supervisor aborted: " + mc.SupervisorReasoning)
		return "finalize"
	case models.DecisionSelfHeal:
		return "self_heal"
	case models.DecisionHumanReview:
		return "human_review"
	case models.DecisionFinalize:
		return "finalize"
	}

	target, ok := naturalNext[mc.CurrentStage]
	if !ok {
		return "finalize"
	}
	return target
}
