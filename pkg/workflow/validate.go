package workflow

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snowlift/snowlift/pkg/models"
)

// validationOutcome is the result of the line-count regression check.
type validationOutcome struct {
	Passed    bool
	Issues    []models.ValidationIssue
	Results   map[string]any
	Timestamp string
}

// countLinesFromFiles totals the non-empty lines across the readable files
// in paths. The second return is false when no file could be read, letting
// the caller fall back to in-memory code.
func countLinesFromFiles(paths []string) (int, bool) {
	total := 0
	found := false
	for _, path := range paths {
		if path == "" || !fileExists(path) {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		total += countNonEmptyLines(stripBOM(string(raw)))
		found = true
	}
	return total, found
}

// validateLineCounts compares non-empty line counts between the source
// inputs and the converted outputs. Converted SQL legitimately grows, so
// output shorter than input signals dropped statements.
func validateLineCounts(mc *models.MigrationContext, code string, logf func(string)) validationOutcome {
	logf("Starting line-count validation...")

	inputCount, inputFound := countLinesFromFiles(mc.SourceFiles)
	outputCount, outputFound := countLinesFromFiles(mc.ConvertedFiles)
	if !inputFound {
		inputCount = countNonEmptyLines(mc.OriginalCode)
	}
	if !outputFound {
		outputCount = countNonEmptyLines(code)
	}

	passed := outputCount >= inputCount
	results := map[string]any{
		"line_count_validation": map[string]any{
			"passed":            passed,
			"input_line_count":  inputCount,
			"output_line_count": outputCount,
		},
	}
	var issues []models.ValidationIssue
	if !passed {
		issues = append(issues, models.ValidationIssue{
			Type:     "line_count_regression",
			Severity: "error",
			Message: fmt.Sprintf("Output line count (%d) is less than input line count (%d).",
				outputCount, inputCount),
			InputLineCount:  inputCount,
			OutputLineCount: outputCount,
		})
	}
	logf(fmt.Sprintf("Line-count validation: input=%d, output=%d, passed=%t", inputCount, outputCount, passed))
	return validationOutcome{
		Passed:    passed,
		Issues:    issues,
		Results:   results,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// validate runs the line-count regression check and promotes the converted
// code to final on success.
func (p *Pipeline) validate(ctx context.Context, mc *models.MigrationContext) {
	if mc.IsErrorState() {
		return
	}
	p.logger.Info("validating converted code", "project", mc.ProjectName)
	mc.LogActivity("info", "Validating converted code for project: "+mc.ProjectName, nil)
	p.echoLine(mc, "$ Validating converted code...")

	mc.CurrentStage = models.StageValidate
	mc.ValidationIssues = nil

	code := mc.ConvertedCode
	if code == "" {
		msg := "No code available for validation"
		p.logger.Warn(msg)
		mc.AddWarning(msg)
		mc.ValidationPassed = false
		mc.ValidationIssues = append(mc.ValidationIssues, models.ValidationIssue{
			Type: "validation_error", Severity: "error", Message: msg,
		})
		mc.UpdatedAt = time.Now()
		mc.LogActivity("warning", msg, nil)
		return
	}

	logf := func(msg string) {
		mc.AddWarning("[Validation] " + msg)
		p.logger.Info("validation", "detail", msg)
		mc.LogActivity("info", "Validation: "+msg, nil)
	}

	result := validateLineCounts(mc, code, logf)
	logf(formatValidationReport(result))

	mc.ValidationPassed = result.Passed
	mc.ValidationIssues = result.Issues
	mc.ValidationResults = result.Results

	if result.Passed {
		mc.FinalCode = code
		p.logger.Info("validation passed", "project", mc.ProjectName)
		mc.LogActivity("info", "Validation passed", nil)
		p.echoLine(mc, "[OK] Validation passed")
	} else {
		p.logger.Warn("validation failed", "issues", len(result.Issues))
		mc.LogActivity("warning", fmt.Sprintf("Validation failed with %d issues", len(result.Issues)), nil)
		p.echoLine(mc, fmt.Sprintf("[WARN] Validation failed: %d issues", len(result.Issues)))
	}
	mc.UpdatedAt = time.Now()
}

// formatValidationReport renders a validation outcome for the activity log.
func formatValidationReport(result validationOutcome) string {
	rule := strings.Repeat("=", 60)
	sub := strings.Repeat("-", 60)
	lines := []string{
		rule, "VALIDATION REPORT", rule,
		"Timestamp: " + result.Timestamp,
		fmt.Sprintf("Passed: %t", result.Passed),
		fmt.Sprintf("Issues Found: %d", len(result.Issues)),
		"",
	}
	if len(result.Issues) > 0 {
		lines = append(lines, "ISSUES:", sub)
		for i, issue := range result.Issues {
			lines = append(lines, fmt.Sprintf("%d. [%s] %s", i+1, strings.ToUpper(issue.Severity), issue.Type))
			lines = append(lines, "   "+issue.Message)
		}
		lines = append(lines, "")
	}
	if len(result.Results) > 0 {
		lines = append(lines, "RESULTS:", sub)
		for key, value := range result.Results {
			if check, ok := value.(map[string]any); ok {
				if passed, ok := check["passed"].(bool); ok {
					status := "FAILED"
					if passed {
						status = "PASSED"
					}
					lines = append(lines, fmt.Sprintf("%s: %s", key, status))
					continue
				}
			}
			lines = append(lines, fmt.Sprintf("%s: %v", key, value))
		}
	}
	lines = append(lines, rule)
	return strings.Join(lines, "\n")
}

// humanReview pauses the run for user intervention. The runner notices the
// resulting stage and suspends the stream until a resume request arrives.
func (p *Pipeline) humanReview(ctx context.Context, mc *models.MigrationContext) {
	if mc.IsErrorState() {
		return
	}
	p.logger.Info("human review requested", "project", mc.ProjectName)
	mc.LogActivity("info", "Human review requested", nil)
	p.echoLine(mc, "[PAUSED] Waiting for human review...")

	mc.CurrentStage = models.StageHumanReview
	mc.RequiresHumanIntervention = true
	mc.UpdatedAt = time.Now()

	if len(mc.MissingObjects) > 0 {
		reason := fmt.Sprintf("Missing objects: %s. Upload DDL to continue.", strings.Join(mc.MissingObjects, ", "))
		if mc.HumanInterventionReason == "" {
			mc.HumanInterventionReason = reason
		}
		p.echoLine(mc, "  Reason: "+reason)
	} else if mc.HumanInterventionReason != "" {
		p.echoLine(mc, "  Reason: "+mc.HumanInterventionReason)
	}
}

// finalize copies the converted artifacts to the outputs directory and
// writes the summary report. Re-running finalize on a completed context
// only refreshes the timestamp, so the outputs are never duplicated.
func (p *Pipeline) finalize(ctx context.Context, mc *models.MigrationContext) {
	if mc.IsErrorState() {
		return
	}
	if mc.CurrentStage == models.StageCompleted && mc.SummaryReport != nil {
		mc.UpdatedAt = time.Now()
		return
	}

	p.logger.Info("finalizing migration", "project", mc.ProjectName)
	mc.LogActivity("info", "Finalizing migration for project: "+mc.ProjectName, nil)
	p.echoLine(mc, "$ Finalizing migration...")

	outputDir := filepath.Join(p.cfg.OutputsDir, mc.ProjectName)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		p.failStage(mc, fmt.Sprintf("Exception during finalization: %v", err))
		return
	}

	convertedDir := filepath.Join(mc.ProjectPath, "converted")
	if info, err := os.Stat(convertedDir); err == nil && info.IsDir() {
		walkErr := filepath.WalkDir(convertedDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, relErr := filepath.Rel(convertedDir, path)
			if relErr != nil {
				return relErr
			}
			dst := filepath.Join(outputDir, "converted", rel)
			if copyErr := copyFile(path, dst); copyErr != nil {
				return copyErr
			}
			mc.OutputFiles = append(mc.OutputFiles, dst)
			return nil
		})
		if walkErr != nil {
			p.failStage(mc, fmt.Sprintf("Exception during finalization: %v", walkErr))
			return
		}
	}

	mc.SummaryReport = &models.SummaryReport{
		ProjectName:           mc.ProjectName,
		SourceLanguage:        mc.SourceLanguage,
		TargetPlatform:        mc.TargetPlatform,
		ProjectInitialized:    mc.ProjectInitialized,
		SourceAdded:           mc.SourceAdded,
		Converted:             mc.Converted,
		SelfHealIterations:    mc.SelfHealIteration,
		ValidationPassed:      mc.ValidationPassed,
		ValidationIssuesCount: len(mc.ValidationIssues),
		ErrorsCount:           len(mc.Errors),
		WarningsCount:         len(mc.Warnings),
		OutputFilesCount:      len(mc.OutputFiles),
		Status:                "completed",
		CompletedAt:           time.Now().Format(time.RFC3339),
	}
	mc.OutputPath = outputDir
	mc.Transition(models.StageCompleted)
	p.logger.Info("migration finalized", "output", outputDir)
	mc.LogActivity("info", "Migration finalized. Output at: "+outputDir, nil)
	p.echoLine(mc, "[DONE] Migration complete. Output: "+outputDir)
}
