package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/snowlift/snowlift/pkg/llm"
	"github.com/snowlift/snowlift/pkg/models"
)

// ewiSpanPattern matches SnowConvert EWI annotation blocks. They are
// stripped before repair so the model fixes code, not tool commentary.
var ewiSpanPattern = regexp.MustCompile(`(?s)!!!RESOLVE EWI!!!.*?\*\*\*/!!!`)

// StripEWISpans removes SnowConvert EWI annotation blocks from SQL.
func StripEWISpans(sqlText string) string {
	return ewiSpanPattern.ReplaceAllString(sqlText, "")
}

// fixStrategies selects the repair guidance appended to the prompt per
// statement type.
var fixStrategies = map[string]string{
	"ddl":       "Prioritize object-creation order, dependencies, and Snowflake DDL compatibility.",
	"dml":       "Prioritize column mapping, joins, update semantics, and data type compatibility.",
	"procedure": "Prioritize procedure syntax, variable handling, and CALL semantics.",
	"function":  "Prioritize return type compatibility and SQL function semantics.",
	"mixed":     "Prioritize broad Snowflake compatibility while preserving intent.",
}

const defaultFixStrategy = "Prioritize broad Snowflake compatibility."

// healResult is the outcome of one repair attempt.
type healResult struct {
	Success      bool
	FixedCode    string
	FixesApplied []string
	IssuesFixed  int
	ErrorMessage string
	Iteration    int
	Timestamp    string
}

// selfHeal asks the Cortex model to repair the converted code using the
// accumulated report and runtime context, then persists the result back to
// the converted files. The iteration counter never exceeds the budget; a
// self-heal request past the budget is recorded and skipped so the
// supervisor's routing tables stay honest.
func (p *Pipeline) selfHeal(ctx context.Context, mc *models.MigrationContext) {
	if mc.IsErrorState() {
		return
	}
	if mc.SelfHealIteration >= mc.MaxSelfHealIterations {
		p.warn(mc, fmt.Sprintf("Self-heal budget exhausted (%d/%d), skipping",
			mc.SelfHealIteration, mc.MaxSelfHealIterations))
		return
	}

	p.logger.Info("self-healing", "iteration", mc.SelfHealIteration+1, "project", mc.ProjectName)
	mc.LogActivity("info", fmt.Sprintf("Self-healing iteration %d", mc.SelfHealIteration+1), nil)
	p.echoLine(mc, fmt.Sprintf("$ Self-healing iteration %d...", mc.SelfHealIteration+1))

	mc.SelfHealIteration++
	mc.CurrentStage = models.StageSelfHeal

	// Fresh report context before every healing pass.
	p.refreshReportMemory(mc)

	if mc.ConvertedCode == "" {
		p.warn(mc, "No code available for self-healing")
		mc.UpdatedAt = time.Now()
		return
	}

	logf := func(msg string) {
		mc.AddWarning(fmt.Sprintf("[Self-Heal Iter %d] %s", mc.SelfHealIteration, msg))
		p.logger.Info("self-healing", "detail", msg)
		mc.LogActivity("info", "Self-healing: "+msg, nil)
	}

	result := p.applySelfHealing(ctx, mc, mc.ConvertedCode, mc.ValidationIssues, mc.SelfHealIteration, mc.StatementType, logf)
	logf(formatSelfHealReport(result))

	if result.Success {
		mc.ConvertedCode = result.FixedCode

		for _, filePath := range mc.ConvertedFiles {
			if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
				p.warn(mc, fmt.Sprintf("Failed to persist healed code to %s: %v", filePath, err))
				continue
			}
			if err := os.WriteFile(filePath, []byte(result.FixedCode), 0o644); err != nil {
				p.warn(mc, fmt.Sprintf("Failed to persist healed code to %s: %v", filePath, err))
			}
		}

		if result.IssuesFixed == 0 || mc.SelfHealIteration >= mc.MaxSelfHealIterations {
			mc.FinalCode = result.FixedCode
		}

		mc.SelfHealLog = append(mc.SelfHealLog, models.SelfHealAttempt{
			Iteration:    mc.SelfHealIteration,
			Timestamp:    result.Timestamp,
			Success:      true,
			FixesApplied: result.FixesApplied,
			IssuesFixed:  result.IssuesFixed,
			LLMProvider:  "snowflake_cortex",
		})
		p.logger.Info("self-healing iteration completed", "iteration", mc.SelfHealIteration)
		p.echoLine(mc, fmt.Sprintf("[OK] Self-healing iteration %d done", mc.SelfHealIteration))
	} else {
		errMsg := firstNonEmpty(result.ErrorMessage, "Self-healing failed")
		mc.AddError(fmt.Sprintf("[Self-Heal Iter %d] %s", mc.SelfHealIteration, errMsg))
		mc.LogActivity("error", "Self-heal failed: "+errMsg, nil)

		mc.SelfHealLog = append(mc.SelfHealLog, models.SelfHealAttempt{
			Iteration:   mc.SelfHealIteration,
			Timestamp:   result.Timestamp,
			Success:     false,
			Error:       result.ErrorMessage,
			LLMProvider: "snowflake_cortex",
		})
		p.logger.Warn("self-healing iteration failed", "iteration", mc.SelfHealIteration, "error", errMsg)
		p.echoLine(mc, "[WARN] Self-healing failed: "+errMsg)
	}
	mc.UpdatedAt = time.Now()
}

// applySelfHealing builds the repair prompt from the report memory and asks
// the model for corrected SQL. On any failure the original code comes back
// unchanged with Success false.
func (p *Pipeline) applySelfHealing(
	ctx context.Context,
	mc *models.MigrationContext,
	code string,
	issues []models.ValidationIssue,
	iteration int,
	statementType string,
	logf func(string),
) healResult {
	logf(fmt.Sprintf("Starting self-healing iteration %d", iteration))
	ts := time.Now().Format(time.RFC3339)

	rt, err := p.connect(ctx, mc)
	if err != nil {
		return healResult{
			Success: false, FixedCode: code,
			ErrorMessage: "Snowflake session creation failed for self-heal.",
			Iteration:    iteration, Timestamp: ts,
		}
	}
	defer rt.Close()

	cleaned := StripEWISpans(code)
	// Dollar-quoted bodies confuse the completion call; split the markers.
	promptCode := strings.ReplaceAll(cleaned, "$$", "$ $")

	prompt := buildRepairPrompt(mc, issues, iteration, statementType, promptCode)

	model := p.cfg.CortexModel
	zero := 0.0
	cfg := llm.ModelConfig{
		Model:          model,
		CortexFunction: p.cfg.CortexFunction,
		Temperature:    &zero,
	}
	reply, err := p.llm.CallBuffered(ctx, rt, cfg, []models.ChatMessage{{Role: models.RoleUser, Content: prompt}})
	if err != nil {
		return healResult{
			Success: false, FixedCode: code,
			ErrorMessage: fmt.Sprintf("Snowflake Cortex self-heal failed for model '%s': %v", model, err),
			Iteration:    iteration, Timestamp: ts,
		}
	}

	fixed := stripMarkdownFences(strings.TrimSpace(reply))
	if fixed == "" {
		fixed = cleaned
	}
	logf(fmt.Sprintf("LLM response (iteration %d, model %s):\n%s", iteration, model, fixed))

	return healResult{
		Success:      true,
		FixedCode:    fixed,
		FixesApplied: []string{fmt.Sprintf("Applied LLM-guided repair via Snowflake Cortex (%s)", model)},
		IssuesFixed:  len(issues),
		Iteration:    iteration,
		Timestamp:    ts,
	}
}

// buildRepairPrompt renders the self-heal prompt: instructions, strategy,
// current issues, report memory, and finally the code itself.
func buildRepairPrompt(mc *models.MigrationContext, issues []models.ValidationIssue, iteration int, statementType string, promptCode string) string {
	if statementType == "" {
		statementType = "mixed"
	}
	strategy, ok := fixStrategies[statementType]
	if !ok {
		strategy = defaultFixStrategy
	}

	var issueLines []string
	for _, issue := range issues {
		severity := firstNonEmpty(issue.Severity, "error")
		issueLines = append(issueLines, fmt.Sprintf("- [%s] %s", severity, issue.Message))
	}
	issueText := strings.Join(issueLines, "\n")
	if issueText == "" {
		issueText = "- No explicit issues provided"
	}

	rm := mc.ReportContext
	if rm == nil {
		rm = &models.ReportMemory{}
	}
	scanSummary := marshalForPrompt(rm.ScanSummary)
	ignoredCodes := marshalForPrompt(emptySliceIfNil(rm.IgnoredCodes))
	actionable := marshalForPrompt(emptyIssuesIfNil(rm.ActionableIssues))
	execErrors := marshalForPrompt(emptyBriefsIfNil(rm.LatestExecutionErrors))
	failedStatements := marshalForPrompt(emptyRefsIfNil(rm.FailedStatements))

	var b strings.Builder
	b.WriteString("You are a Snowflake SQL migration repair assistant.\n")
	b.WriteString("Use only the provided context and do not hallucinate missing requirements.\n")
	b.WriteString("Do not invent missing objects unless explicitly referenced in runtime errors or actionable report issues.\n")
	b.WriteString("Return only corrected SQL code with no commentary, no markdown, and no code fences.\n")
	fmt.Fprintf(&b, "Statement type: %s\n", statementType)
	fmt.Fprintf(&b, "Repair strategy: %s\n", strategy)
	fmt.Fprintf(&b, "Iteration: %d\n\n", iteration)
	fmt.Fprintf(&b, "Validation/Runtime Issues:\n%s\n\n", issueText)
	fmt.Fprintf(&b, "Report Scan Summary: %s\n", scanSummary)
	fmt.Fprintf(&b, "Ignored Report Codes (non-actionable unless runtime errors): %s\n", ignoredCodes)
	fmt.Fprintf(&b, "Actionable Report Issues: %s\n", actionable)
	fmt.Fprintf(&b, "Latest Execution Errors: %s\n", execErrors)
	fmt.Fprintf(&b, "Failed Statements: %s\n\n", failedStatements)
	fmt.Fprintf(&b, "Code to Fix:\n%s", promptCode)
	return b.String()
}

func marshalForPrompt(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func emptySliceIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func emptyIssuesIfNil(v []models.ReportIssue) []models.ReportIssue {
	if v == nil {
		return []models.ReportIssue{}
	}
	return v
}

func emptyBriefsIfNil(v []models.ExecutionErrorBrief) []models.ExecutionErrorBrief {
	if v == nil {
		return []models.ExecutionErrorBrief{}
	}
	return v
}

func emptyRefsIfNil(v []models.FailedStatementRef) []models.FailedStatementRef {
	if v == nil {
		return []models.FailedStatementRef{}
	}
	return v
}

// formatSelfHealReport renders a heal attempt for the activity log.
func formatSelfHealReport(result healResult) string {
	rule := strings.Repeat("=", 60)
	sub := strings.Repeat("-", 60)
	lines := []string{
		rule, "SELF-HEALING REPORT", rule,
		"Timestamp: " + result.Timestamp,
		fmt.Sprintf("Iteration: %d", result.Iteration),
		fmt.Sprintf("Success: %t", result.Success),
		fmt.Sprintf("Issues Fixed: %d", result.IssuesFixed),
		"",
	}
	if len(result.FixesApplied) > 0 {
		lines = append(lines, "FIXES APPLIED:", sub)
		for _, fix := range result.FixesApplied {
			lines = append(lines, "  - "+fix)
		}
		lines = append(lines, "")
	}
	if result.ErrorMessage != "" {
		lines = append(lines, "ERROR:", sub, "  "+result.ErrorMessage, "")
	}
	lines = append(lines, rule)
	return strings.Join(lines, "\n")
}
