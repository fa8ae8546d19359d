package workflow

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/snowlift/snowlift/pkg/models"
)

// LoadIgnoredReportCodes reads the config listing SnowConvert issue codes
// the repair prompt must treat as non-actionable. Missing or malformed
// config yields an empty list. Codes come back uppercased, deduplicated,
// and sorted.
func LoadIgnoredReportCodes(path string) []string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var payload struct {
		IgnoredCodes []string `json:"ignored_codes"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	seen := make(map[string]struct{}, len(payload.IgnoredCodes))
	var codes []string
	for _, code := range payload.IgnoredCodes {
		value := strings.ToUpper(strings.TrimSpace(code))
		if value == "" {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		codes = append(codes, value)
	}
	sort.Strings(codes)
	return codes
}

// findLatestReport returns the most recently modified file matching the
// glob pattern under base, or "" when none match. SnowConvert writes one
// timestamped report per conversion, so the newest one wins.
func findLatestReport(base, pattern string) string {
	matches, err := filepath.Glob(filepath.Join(base, pattern))
	if err != nil || len(matches) == 0 {
		return ""
	}
	latest := ""
	var latestMod time.Time
	for _, m := range matches {
		info, statErr := os.Stat(m)
		if statErr != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestMod) {
			latest = m
			latestMod = info.ModTime()
		}
	}
	return latest
}

// parseIssuesCSV reads a SnowConvert issues report. Column order varies
// across tool versions, so cells are resolved by header name.
func parseIssuesCSV(path string) []models.ReportIssue {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	reader := csv.NewReader(strings.NewReader(stripBOM(string(raw))))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil || len(records) < 2 {
		return nil
	}
	col := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		col[strings.TrimSpace(name)] = i
	}
	get := func(row []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}
	issues := make([]models.ReportIssue, 0, len(records)-1)
	for _, row := range records[1:] {
		issues = append(issues, models.ReportIssue{
			Code:        strings.ToUpper(get(row, "Code")),
			Severity:    get(row, "Severity"),
			Name:        get(row, "Name"),
			Description: get(row, "Description"),
			ParentFile:  get(row, "ParentFile"),
			Line:        get(row, "Line"),
			Column:      get(row, "Column"),
			MigrationID: get(row, "MigrationID"),
		})
	}
	return issues
}

// assessmentKeys are the headline metrics lifted from the SnowConvert
// assessment report; everything else in the file is noise for our purposes.
var assessmentKeys = []string{
	"AppVersion", "CoreVersion", "StartConversion", "ElapsedTime",
	"CodeCompletenessScore", "TotalFiles", "TotalWarnings",
	"TotalConversionErrors", "TotalParsingErrors", "TotalLinesOfCode",
	"TotalFDMs", "UniqueFDMs",
}

func parseAssessmentJSON(path string) map[string]any {
	summary := map[string]any{}
	if path == "" {
		return summary
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return summary
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return summary
	}
	for _, key := range assessmentKeys {
		if v, ok := payload[key]; ok {
			summary[key] = v
		}
	}
	return summary
}

// BuildReportMemory assembles the SnowConvert report context handed to the
// supervisor and to every self-heal iteration: the latest issue and
// assessment reports split into actionable versus ignored findings, plus
// the most recent runtime failures and prior heal attempts.
func BuildReportMemory(mc *models.MigrationContext, ignoredCodesPath string) *models.ReportMemory {
	reportsDir := filepath.Join(mc.ProjectPath, "converted", "Reports", "SnowConvert")
	issuesFile := findLatestReport(reportsDir, "Issues.*.csv")
	assessmentFile := findLatestReport(reportsDir, "Assessment.*.json")

	ignoredCodes := LoadIgnoredReportCodes(ignoredCodesPath)
	ignoredSet := make(map[string]struct{}, len(ignoredCodes))
	for _, code := range ignoredCodes {
		ignoredSet[code] = struct{}{}
	}

	allIssues := parseIssuesCSV(issuesFile)
	var actionable []models.ReportIssue
	ignoredCounter := map[string]int{}
	for _, issue := range allIssues {
		if _, skip := ignoredSet[issue.Code]; skip && issue.Code != "" {
			ignoredCounter[issue.Code]++
			continue
		}
		actionable = append(actionable, issue)
	}

	ignoredTotal := 0
	for _, n := range ignoredCounter {
		ignoredTotal += n
	}
	actionableCount := len(actionable)
	if len(actionable) > 25 {
		actionable = actionable[:25]
	}

	var latestErrors []models.ExecutionErrorBrief
	start := len(mc.ExecutionErrors) - 5
	if start < 0 {
		start = 0
	}
	for _, e := range mc.ExecutionErrors[start:] {
		latestErrors = append(latestErrors, models.ExecutionErrorBrief{
			Type:           e.Type,
			Message:        e.Message,
			ObjectName:     e.ObjectName,
			StatementIndex: e.StatementIndex,
		})
	}

	var failed []models.FailedStatementRef
	for i := len(mc.ExecutionLog) - 1; i >= 0 && len(failed) < 3; i-- {
		rec := mc.ExecutionLog[i]
		if rec.Status != "failed" {
			continue
		}
		failed = append(failed, models.FailedStatementRef{
			File:                 rec.File,
			ErrorType:            rec.ErrorType,
			ErrorMessage:         rec.ErrorMessage,
			FailedStatement:      rec.FailedStatement,
			FailedStatementIndex: rec.FailedStatementIndex,
		})
	}

	var prior []models.PriorHealAttempt
	hstart := len(mc.SelfHealLog) - 5
	if hstart < 0 {
		hstart = 0
	}
	for _, a := range mc.SelfHealLog[hstart:] {
		prior = append(prior, models.PriorHealAttempt{
			Iteration:   a.Iteration,
			Success:     a.Success,
			IssuesFixed: a.IssuesFixed,
			Error:       a.Error,
		})
	}

	return &models.ReportMemory{
		ReportsFound: models.ReportFileRefs{
			IssuesCSV:      issuesFile,
			AssessmentJSON: assessmentFile,
		},
		AssessmentSummary: parseAssessmentJSON(assessmentFile),
		IgnoredCodes:      ignoredCodes,
		ScanSummary: models.ReportScanSummary{
			TotalReportIssues: len(allIssues),
			ActionableIssues:  actionableCount,
			IgnoredIssues:     ignoredTotal,
		},
		IgnoredIssuesSummary:  ignoredCounter,
		ActionableIssues:      actionable,
		LatestExecutionErrors: latestErrors,
		FailedStatements:      failed,
		PriorSelfHealAttempts: prior,
	}
}
