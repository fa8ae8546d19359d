package workflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowlift/snowlift/pkg/models"
)

func TestValidateLineCountsComparesFiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.sql")
	dst := filepath.Join(dir, "out.sql")
	writeFile(t, src, "SELECT 1;\nSELECT 2;\n")
	writeFile(t, dst, "SELECT 1;\nSELECT 2;\nSELECT 3;\n")

	mc := models.NewMigrationContext("demo")
	mc.SourceFiles = []string{src}
	mc.ConvertedFiles = []string{dst}

	out := validateLineCounts(mc, "", func(string) {})
	assert.True(t, out.Passed)
	assert.Empty(t, out.Issues)

	check := out.Results["line_count_validation"].(map[string]any)
	assert.Equal(t, 2, check["input_line_count"])
	assert.Equal(t, 3, check["output_line_count"])
}

func TestValidateLineCountsFlagsRegression(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.sql")
	dst := filepath.Join(dir, "out.sql")
	writeFile(t, src, "SELECT 1;\nSELECT 2;\nSELECT 3;\n")
	writeFile(t, dst, "SELECT 1;\n")

	mc := models.NewMigrationContext("demo")
	mc.SourceFiles = []string{src}
	mc.ConvertedFiles = []string{dst}

	out := validateLineCounts(mc, "", func(string) {})
	assert.False(t, out.Passed)
	require.Len(t, out.Issues, 1)
	issue := out.Issues[0]
	assert.Equal(t, "line_count_regression", issue.Type)
	assert.Equal(t, "error", issue.Severity)
	assert.Equal(t, 3, issue.InputLineCount)
	assert.Equal(t, 1, issue.OutputLineCount)
	assert.Contains(t, issue.Message, "Output line count (1) is less than input line count (3)")
}

func TestValidateLineCountsFallsBackToMemory(t *testing.T) {
	mc := models.NewMigrationContext("demo")
	mc.OriginalCode = "SELECT 1;\nSELECT 2;"

	out := validateLineCounts(mc, "SELECT 1;\nSELECT 2;\n-- note", func(string) {})
	assert.True(t, out.Passed)

	out = validateLineCounts(mc, "SELECT 1;", func(string) {})
	assert.False(t, out.Passed)
}

func TestValidateStagePromotesFinalCode(t *testing.T) {
	rec := &echoRecorder{}
	p, cfg := newTestPipeline(t, &fakeCLI{}, nil, &scriptedCaller{}, rec.fn())
	mc := newProjectContext(t, cfg, "demo")
	mc.OriginalCode = "SELECT 1;"
	mc.ConvertedCode = "SELECT 1;\n-- converted"

	require.NoError(t, p.RunStage(context.Background(), "validate", mc))

	assert.True(t, mc.ValidationPassed)
	assert.Empty(t, mc.ValidationIssues)
	assert.Equal(t, mc.ConvertedCode, mc.FinalCode)
	assert.Equal(t, models.StageValidate, mc.CurrentStage)
	assert.Contains(t, rec.joined(), "[OK] Validation passed")
}

func TestValidateStageWithoutCodeFails(t *testing.T) {
	p, cfg := newTestPipeline(t, &fakeCLI{}, nil, &scriptedCaller{}, nil)
	mc := newProjectContext(t, cfg, "demo")

	require.NoError(t, p.RunStage(context.Background(), "validate", mc))

	assert.False(t, mc.ValidationPassed)
	require.Len(t, mc.ValidationIssues, 1)
	assert.Equal(t, "validation_error", mc.ValidationIssues[0].Type)
	assert.Equal(t, "No code available for validation", mc.ValidationIssues[0].Message)
}

func TestValidateStageRecordsRegression(t *testing.T) {
	rec := &echoRecorder{}
	p, cfg := newTestPipeline(t, &fakeCLI{}, nil, &scriptedCaller{}, rec.fn())
	mc := newProjectContext(t, cfg, "demo")
	mc.OriginalCode = "SELECT 1;\nSELECT 2;\nSELECT 3;"
	mc.ConvertedCode = "SELECT 1;"

	require.NoError(t, p.RunStage(context.Background(), "validate", mc))

	assert.False(t, mc.ValidationPassed)
	require.Len(t, mc.ValidationIssues, 1)
	assert.Empty(t, mc.FinalCode)
	assert.Contains(t, rec.joined(), "[WARN] Validation failed: 1 issues")
}

func TestValidateStageClearsStaleIssues(t *testing.T) {
	p, cfg := newTestPipeline(t, &fakeCLI{}, nil, &scriptedCaller{}, nil)
	mc := newProjectContext(t, cfg, "demo")
	mc.ConvertedCode = "SELECT 1;"
	mc.ValidationIssues = []models.ValidationIssue{{Type: "execution_error", Message: "stale"}}

	require.NoError(t, p.RunStage(context.Background(), "validate", mc))

	assert.True(t, mc.ValidationPassed)
	assert.Empty(t, mc.ValidationIssues)
}

func TestHumanReviewPausesWithMissingObjects(t *testing.T) {
	rec := &echoRecorder{}
	p, cfg := newTestPipeline(t, &fakeCLI{}, nil, &scriptedCaller{}, rec.fn())
	mc := newProjectContext(t, cfg, "demo")
	mc.MissingObjects = []string{"ANALYTICS.CUSTOMERS", "ANALYTICS.ORDERS"}

	require.NoError(t, p.RunStage(context.Background(), "human_review", mc))

	assert.Equal(t, models.StageHumanReview, mc.CurrentStage)
	assert.True(t, mc.RequiresHumanIntervention)
	assert.Equal(t,
		"Missing objects: ANALYTICS.CUSTOMERS, ANALYTICS.ORDERS. Upload DDL to continue.",
		mc.HumanInterventionReason)

	out := rec.joined()
	assert.Contains(t, out, "[PAUSED] Waiting for human review...")
	assert.Contains(t, out, "Reason: Missing objects:")
}

func TestHumanReviewKeepsExistingReason(t *testing.T) {
	p, cfg := newTestPipeline(t, &fakeCLI{}, nil, &scriptedCaller{}, nil)
	mc := newProjectContext(t, cfg, "demo")
	mc.MissingObjects = []string{"ANALYTICS.CUSTOMERS"}
	mc.HumanInterventionReason = "Failed to execute uploaded DDL: boom"

	require.NoError(t, p.RunStage(context.Background(), "human_review", mc))

	assert.Equal(t, "Failed to execute uploaded DDL: boom", mc.HumanInterventionReason)
}

func TestFinalizeCopiesOutputsAndWritesSummary(t *testing.T) {
	rec := &echoRecorder{}
	p, cfg := newTestPipeline(t, &fakeCLI{}, nil, &scriptedCaller{}, rec.fn())
	mc := newProjectContext(t, cfg, "demo")
	writeFile(t, filepath.Join(mc.ProjectPath, "converted", "orders.sql"), "SELECT 1;")
	writeFile(t, filepath.Join(mc.ProjectPath, "converted", "Reports", "SnowConvert", "Issues.1.csv"), "Code\n")
	mc.ValidationPassed = true
	mc.Converted = true

	require.NoError(t, p.RunStage(context.Background(), "finalize", mc))

	outputDir := filepath.Join(cfg.OutputsDir, "demo")
	assert.Equal(t, outputDir, mc.OutputPath)
	assert.FileExists(t, filepath.Join(outputDir, "converted", "orders.sql"))
	assert.FileExists(t, filepath.Join(outputDir, "converted", "Reports", "SnowConvert", "Issues.1.csv"))
	assert.Len(t, mc.OutputFiles, 2)

	require.NotNil(t, mc.SummaryReport)
	assert.Equal(t, "demo", mc.SummaryReport.ProjectName)
	assert.Equal(t, "completed", mc.SummaryReport.Status)
	assert.True(t, mc.SummaryReport.ValidationPassed)
	assert.Equal(t, 2, mc.SummaryReport.OutputFilesCount)
	assert.Equal(t, models.StageCompleted, mc.CurrentStage)
	assert.Contains(t, rec.joined(), "[DONE] Migration complete. Output: "+outputDir)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	p, cfg := newTestPipeline(t, &fakeCLI{}, nil, &scriptedCaller{}, nil)
	mc := newProjectContext(t, cfg, "demo")
	writeFile(t, filepath.Join(mc.ProjectPath, "converted", "orders.sql"), "SELECT 1;")

	require.NoError(t, p.RunStage(context.Background(), "finalize", mc))
	require.Len(t, mc.OutputFiles, 1)

	require.NoError(t, p.RunStage(context.Background(), "finalize", mc))
	assert.Len(t, mc.OutputFiles, 1)
}

func TestFinalizeWithoutConvertedArtifacts(t *testing.T) {
	p, cfg := newTestPipeline(t, &fakeCLI{}, nil, &scriptedCaller{}, nil)
	mc := newProjectContext(t, cfg, "demo")

	require.NoError(t, p.RunStage(context.Background(), "finalize", mc))

	assert.Empty(t, mc.OutputFiles)
	require.NotNil(t, mc.SummaryReport)
	assert.Equal(t, models.StageCompleted, mc.CurrentStage)
}

func TestFormatValidationReport(t *testing.T) {
	report := formatValidationReport(validationOutcome{
		Passed:    false,
		Timestamp: "2026-01-02T15:04:05Z",
		Issues: []models.ValidationIssue{
			{Type: "line_count_regression", Severity: "error", Message: "output shrank"},
		},
		Results: map[string]any{
			"line_count_validation": map[string]any{"passed": false},
		},
	})
	assert.Contains(t, report, "VALIDATION REPORT")
	assert.Contains(t, report, "Passed: false")
	assert.Contains(t, report, "1. [ERROR] line_count_regression")
	assert.Contains(t, report, "line_count_validation: FAILED")
}
