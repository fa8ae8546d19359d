// Package models holds the shared domain types passed between the API
// layer, the workflow engine, and the streaming layer.
package models

import (
	"time"
)

// Stage identifies one phase of a migration run.
type Stage string

const (
	StageIdle               Stage = "idle"
	StageInitProject        Stage = "init_project"
	StageAddSourceCode      Stage = "add_source_code"
	StageApplySchemaMapping Stage = "apply_schema_mapping"
	StageConvertCode        Stage = "convert_code"
	StageExecuteSQL         Stage = "execute_sql"
	StageSelfHeal           Stage = "self_heal"
	StageValidate           Stage = "validate"
	StageHumanReview        Stage = "human_review"
	StageFinalize           Stage = "finalize"
	StageError              Stage = "error"
	StageCompleted          Stage = "completed"
)

// Decision is a supervisor routing verdict.
type Decision string

const (
	DecisionProceed     Decision = "proceed"
	DecisionSelfHeal    Decision = "self_heal"
	DecisionHumanReview Decision = "human_review"
	DecisionFinalize    Decision = "finalize"
	DecisionAbort       Decision = "abort"
)

// ActivityEntry is one structured line of the run's activity log. Entries
// are appended by stages and mirrored to the run's event sink when wired.
type ActivityEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Stage     Stage          `json:"stage,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// StatementResult records one successfully executed statement, with a short
// result preview for the activity stream.
type StatementResult struct {
	StatementIndex int              `json:"statement_index"`
	Status         string           `json:"status"`
	Statement      string           `json:"statement"`
	RowCount       int              `json:"row_count"`
	OutputPreview  []map[string]any `json:"output_preview"`
}

// ExecutionError records one failed statement during execute_sql.
type ExecutionError struct {
	Type           string `json:"type"` // missing_object | execution_error
	Message        string `json:"message"`
	ObjectName     string `json:"object_name,omitempty"`
	Stage          Stage  `json:"stage"`
	Statement      string `json:"statement,omitempty"`
	StatementIndex int    `json:"statement_index"`
}

// ExecutionRecord tracks the outcome for one converted file.
type ExecutionRecord struct {
	File                 string            `json:"file"`
	Index                int               `json:"index"`
	Status               string            `json:"status"` // success | failed | skipped_empty
	Statements           []StatementResult `json:"statements,omitempty"`
	ErrorType            string            `json:"error_type,omitempty"`
	ErrorMessage         string            `json:"error_message,omitempty"`
	MissingObject        string            `json:"missing_object,omitempty"`
	FailedStatement      string            `json:"failed_statement,omitempty"`
	FailedStatementIndex int               `json:"failed_statement_index,omitempty"`
}

// SelfHealAttempt is one entry of the self-heal log.
type SelfHealAttempt struct {
	Iteration    int      `json:"iteration"`
	Timestamp    string   `json:"timestamp"`
	Success      bool     `json:"success"`
	FixesApplied []string `json:"fixes_applied,omitempty"`
	IssuesFixed  int      `json:"issues_fixed"`
	Error        string   `json:"error,omitempty"`
	LLMProvider  string   `json:"llm_provider,omitempty"`
}

// ValidationIssue is one finding from the validate stage.
type ValidationIssue struct {
	Type            string `json:"type"`
	Severity        string `json:"severity"`
	Message         string `json:"message"`
	InputLineCount  int    `json:"input_line_count,omitempty"`
	OutputLineCount int    `json:"output_line_count,omitempty"`
}

// DecisionRecord is one supervisor verdict kept in the history.
type DecisionRecord struct {
	Timestamp  string   `json:"timestamp"`
	AfterStage Stage    `json:"after_stage"`
	Decision   Decision `json:"decision"`
	Reasoning  string   `json:"reasoning"`
}

// ReportFileRefs names the report files the latest scan located.
type ReportFileRefs struct {
	IssuesCSV      string `json:"issues_csv"`
	AssessmentJSON string `json:"assessment_json"`
}

// ReportScanSummary counts issues seen in the latest report scan.
type ReportScanSummary struct {
	TotalReportIssues int `json:"total_report_issues"`
	ActionableIssues  int `json:"actionable_issues"`
	IgnoredIssues     int `json:"ignored_issues"`
}

// ReportIssue is one row of the SnowConvert issues CSV.
type ReportIssue struct {
	Code        string `json:"code"`
	Severity    string `json:"severity"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ParentFile  string `json:"parent_file"`
	Line        string `json:"line"`
	Column      string `json:"column"`
	MigrationID string `json:"migration_id"`
}

// ExecutionErrorBrief is the trimmed error representation carried in report
// memory for the repair prompt.
type ExecutionErrorBrief struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	ObjectName     string `json:"object_name,omitempty"`
	StatementIndex int    `json:"statement_index"`
}

// FailedStatementRef points at a failed statement from the execution log.
type FailedStatementRef struct {
	File                 string `json:"file"`
	ErrorType            string `json:"error_type"`
	ErrorMessage         string `json:"error_message"`
	FailedStatement      string `json:"failed_statement"`
	FailedStatementIndex int    `json:"failed_statement_index"`
}

// PriorHealAttempt is the trimmed self-heal log entry carried in report
// memory.
type PriorHealAttempt struct {
	Iteration   int    `json:"iteration"`
	Success     bool   `json:"success"`
	IssuesFixed int    `json:"issues_fixed"`
	Error       string `json:"error,omitempty"`
}

// ReportMemory is the parsed SnowConvert report context supplied to the
// supervisor and every self-heal iteration.
type ReportMemory struct {
	ReportsFound          ReportFileRefs        `json:"reports_found"`
	AssessmentSummary     map[string]any        `json:"assessment_summary"`
	IgnoredCodes          []string              `json:"ignored_codes"`
	ScanSummary           ReportScanSummary     `json:"report_scan_summary"`
	IgnoredIssuesSummary  map[string]int        `json:"ignored_issues_summary"`
	ActionableIssues      []ReportIssue         `json:"actionable_issues"`
	LatestExecutionErrors []ExecutionErrorBrief `json:"latest_execution_errors"`
	FailedStatements      []FailedStatementRef  `json:"failed_statements"`
	PriorSelfHealAttempts []PriorHealAttempt    `json:"prior_self_heal_attempts"`
}

// SummaryReport is the finalize stage's end-of-run summary.
type SummaryReport struct {
	ProjectName           string `json:"project_name"`
	SourceLanguage        string `json:"source_language"`
	TargetPlatform        string `json:"target_platform"`
	ProjectInitialized    bool   `json:"scai_project_initialized"`
	SourceAdded           bool   `json:"scai_source_added"`
	Converted             bool   `json:"scai_converted"`
	SelfHealIterations    int    `json:"self_heal_iterations"`
	ValidationPassed      bool   `json:"validation_passed"`
	ValidationIssuesCount int    `json:"validation_issues_count"`
	ErrorsCount           int    `json:"errors_count"`
	WarningsCount         int    `json:"warnings_count"`
	OutputFilesCount      int    `json:"output_files_count"`
	Status                string `json:"status"`
	CompletedAt           string `json:"completed_at"`
}

// MigrationContext is the single mutable state object threaded through all
// workflow stages. It is mutated only by the currently executing stage or
// the supervisor; the runner publishes read-only snapshots.
type MigrationContext struct {
	// Project identification
	ProjectName    string `json:"project_name"`
	ProjectPath    string `json:"project_path"`
	SourceLanguage string `json:"source_language"`
	TargetPlatform string `json:"target_platform"`

	// Snowflake connection parameters. The password is never stored here;
	// stages resolve it from the environment when opening a connection.
	SFAccount       string `json:"sf_account"`
	SFUser          string `json:"sf_user"`
	SFRole          string `json:"sf_role"`
	SFWarehouse     string `json:"sf_warehouse"`
	SFDatabase      string `json:"sf_database"`
	SFSchema        string `json:"sf_schema"`
	SFAuthenticator string `json:"sf_authenticator"`

	// Input files
	SourceFiles     []string `json:"source_files"`
	MappingCSVPath  string   `json:"mapping_csv_path"`
	SourceDirectory string   `json:"source_directory"`

	// Workflow tracking
	CurrentFile  string `json:"current_file,omitempty"`
	CurrentStage Stage  `json:"current_stage"`

	// Code artifacts
	OriginalCode     string   `json:"original_code"`
	SchemaMappedCode string   `json:"schema_mapped_code"`
	ConvertedCode    string   `json:"converted_code"`
	FinalCode        string   `json:"final_code"`
	StatementType    string   `json:"statement_type"` // ddl | dml | procedure | function | mixed
	ConvertedFiles   []string `json:"converted_files"`

	// Migration CLI flags
	ProjectInitialized bool `json:"scai_project_initialized"`
	SourceAdded        bool `json:"scai_source_added"`
	Converted          bool `json:"scai_converted"`

	// Self-healing state
	SelfHealIteration     int               `json:"self_heal_iteration"`
	MaxSelfHealIterations int               `json:"max_self_heal_iterations"`
	SelfHealLog           []SelfHealAttempt `json:"self_heal_log"`

	// Validation state
	ValidationResults map[string]any    `json:"validation_results"`
	ValidationPassed  bool              `json:"validation_passed"`
	ValidationIssues  []ValidationIssue `json:"validation_issues"`

	// Execution state
	ExecutionPassed       bool              `json:"execution_passed"`
	ExecutionErrors       []ExecutionError  `json:"execution_errors"`
	ExecutionLog          []ExecutionRecord `json:"execution_log"`
	MissingObjects        []string          `json:"missing_objects"`
	LastExecutedFileIndex int               `json:"last_executed_file_index"`

	// Error tracking
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`

	// Human review / intervention
	DecisionHistory           []DecisionRecord `json:"decision_history"`
	RequiresHumanIntervention bool             `json:"requires_human_intervention"`
	HumanInterventionReason   string           `json:"human_intervention_reason"`
	RequiresDDLUpload         bool             `json:"requires_ddl_upload"`
	DDLUploadPath             string           `json:"ddl_upload_path"`
	ResumeFromStage           Stage            `json:"resume_from_stage,omitempty"`

	// Activity logging. Sink is a bounded channel drained by the runner;
	// stages write, the runner reads.
	ActivityLog []ActivityEntry      `json:"activity_log"`
	EventSink   chan<- ActivityEntry `json:"-"`

	// Supervisor routing
	SupervisorDecision  Decision `json:"supervisor_decision"`
	SupervisorReasoning string   `json:"supervisor_reasoning"`

	// SnowConvert report context memory
	ReportContext      *ReportMemory     `json:"report_context,omitempty"`
	IgnoredReportCodes []string          `json:"ignored_report_codes"`
	ReportScanSummary  ReportScanSummary `json:"report_scan_summary"`

	// Output
	OutputPath    string         `json:"output_path"`
	OutputFiles   []string       `json:"output_files"`
	SummaryReport *SummaryReport `json:"summary_report,omitempty"`

	// Timestamps and session
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	SessionID string    `json:"session_id"` // PTY session id for terminal echo
	RunID     string    `json:"run_id"`
}

// NewMigrationContext returns a context in the idle stage with the
// conventional defaults applied.
func NewMigrationContext(projectName string) *MigrationContext {
	now := time.Now()
	return &MigrationContext{
		ProjectName:           projectName,
		SourceLanguage:        "teradata",
		TargetPlatform:        "snowflake",
		SFAuthenticator:       "externalbrowser",
		CurrentStage:          StageIdle,
		StatementType:         "mixed",
		MaxSelfHealIterations: 5,
		LastExecutedFileIndex: -1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// LogActivity appends a structured activity entry and forwards it to the
// event sink when one is wired. The sink write never blocks a stage; when
// the queue is full the entry stays in ActivityLog only.
func (c *MigrationContext) LogActivity(level, message string, data map[string]any) {
	entry := ActivityEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Stage:     c.CurrentStage,
		Data:      data,
	}
	c.ActivityLog = append(c.ActivityLog, entry)
	if c.EventSink != nil {
		select {
		case c.EventSink <- entry:
		default:
		}
	}
}

// AddError records an error string and marks the context updated.
func (c *MigrationContext) AddError(msg string) {
	c.Errors = append(c.Errors, msg)
	c.UpdatedAt = time.Now()
}

// AddWarning records a warning string.
func (c *MigrationContext) AddWarning(msg string) {
	c.Warnings = append(c.Warnings, msg)
	c.UpdatedAt = time.Now()
}

// IsErrorState reports whether the workflow already failed; stages use it
// to short-circuit.
func (c *MigrationContext) IsErrorState() bool {
	return c.CurrentStage == StageError
}

// Transition moves the context to the next stage and stamps it.
func (c *MigrationContext) Transition(next Stage) {
	c.CurrentStage = next
	c.UpdatedAt = time.Now()
}
