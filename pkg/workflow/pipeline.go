package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snowlift/snowlift/pkg/config"
	"github.com/snowlift/snowlift/pkg/llm"
	"github.com/snowlift/snowlift/pkg/models"
	"github.com/snowlift/snowlift/pkg/upstream"
)

// Runtime is the slice of a Snowflake session the stages need: script
// execution for execute_sql plus the handles the Cortex client uses for
// supervisor and self-heal calls.
type Runtime interface {
	ExecuteScript(ctx context.Context, sqlText string) ([]models.StatementResult, error)
	DB() *sql.DB
	RESTHost() string
	Token() string
	Close() error
}

// ConnectFunc opens a Runtime for the run's target account. Stages open a
// session when they need one and close it before returning.
type ConnectFunc func(ctx context.Context, mc *models.MigrationContext) (Runtime, error)

// DefaultConnect dials Snowflake with the context's connection parameters,
// resolving the password from SNOWFLAKE_PASSWORD for password-style
// authenticators.
func DefaultConnect(ctx context.Context, mc *models.MigrationContext) (Runtime, error) {
	cfg := upstream.Config{
		Account:       mc.SFAccount,
		User:          mc.SFUser,
		Role:          mc.SFRole,
		Warehouse:     mc.SFWarehouse,
		Database:      mc.SFDatabase,
		Schema:        mc.SFSchema,
		Authenticator: mc.SFAuthenticator,
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Authenticator)) {
	case "", "externalbrowser", "oauth":
	default:
		cfg.Password = os.Getenv("SNOWFLAKE_PASSWORD")
	}
	return upstream.Connect(ctx, cfg)
}

// LLMCaller is the buffered Cortex completion surface shared by self-heal
// and the supervisor.
type LLMCaller interface {
	CallBuffered(ctx context.Context, conn llm.Conn, cfg llm.ModelConfig, messages []models.ChatMessage) (string, error)
}

// ErrUnknownStage is returned by RunStage for a node name outside the
// pipeline graph.
var ErrUnknownStage = errors.New("unknown workflow stage")

// Pipeline holds the nine stage implementations. Each stage mutates the
// MigrationContext and records its outcome there; stages surface failures
// via the context's error state rather than returned errors.
type Pipeline struct {
	cfg     *config.Settings
	runner  CommandRunner
	connect ConnectFunc
	llm     LLMCaller
	echo    EchoFunc
	logger  *slog.Logger
}

// NewPipeline wires a pipeline. A nil runner defaults to ExecRunner and a
// nil connect to DefaultConnect; echo may stay nil when no terminal is
// attached.
func NewPipeline(cfg *config.Settings, runner CommandRunner, connect ConnectFunc, caller LLMCaller, echo EchoFunc, logger *slog.Logger) *Pipeline {
	if runner == nil {
		runner = ExecRunner{}
	}
	if connect == nil {
		connect = DefaultConnect
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, runner: runner, connect: connect, llm: caller, echo: echo, logger: logger}
}

// RunStage executes one pipeline node by name. The error is non-nil only
// for an unknown node; stage-level failures land in the context.
func (p *Pipeline) RunStage(ctx context.Context, node string, mc *models.MigrationContext) error {
	switch node {
	case "init_project":
		p.initProject(ctx, mc)
	case "add_source_code":
		p.addSourceCode(ctx, mc)
	case "apply_schema_mapping":
		p.applySchemaMapping(ctx, mc)
	case "convert_code":
		p.convertCode(ctx, mc)
	case "execute_sql":
		p.executeSQL(ctx, mc)
	case "self_heal":
		p.selfHeal(ctx, mc)
	case "validate":
		p.validate(ctx, mc)
	case "human_review":
		p.humanReview(ctx, mc)
	case "finalize":
		p.finalize(ctx, mc)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownStage, node)
	}
	return nil
}

// echoLine forwards one line to the attached terminal session, if any.
func (p *Pipeline) echoLine(mc *models.MigrationContext, line string) {
	if p.echo != nil && mc.SessionID != "" {
		p.echo(mc.SessionID, line)
	}
}

// failStage records an error, flips the context into the error state, and
// mirrors the message to the activity log.
func (p *Pipeline) failStage(mc *models.MigrationContext, msg string) {
	p.logger.Error("stage failed", "stage", mc.CurrentStage, "error", msg)
	mc.AddError(msg)
	mc.CurrentStage = models.StageError
	mc.LogActivity("error", msg, nil)
}

// warn records a warning on the context and the activity log.
func (p *Pipeline) warn(mc *models.MigrationContext, msg string) {
	p.logger.Warn(msg)
	mc.AddWarning(msg)
	mc.LogActivity("warning", msg, nil)
}

// runCLI invokes the migration CLI with terminal echo: the command line
// first, then captured stdout, then stderr lines prefixed with a marker.
func (p *Pipeline) runCLI(ctx context.Context, mc *models.MigrationContext, dir string, timeout time.Duration, args ...string) (CommandResult, error) {
	cmdStr := strings.Join(append([]string{p.cfg.ScaiBin}, args...), " ")
	p.echoLine(mc, "$ "+cmdStr)

	res, err := p.runner.Run(ctx, dir, timeout, p.cfg.ScaiBin, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.echoLine(mc, fmt.Sprintf("[TIMEOUT] Command timed out after %.0fs: %s", timeout.Seconds(), cmdStr))
		} else {
			p.echoLine(mc, fmt.Sprintf("[ERROR] Failed to run command: %v", err))
		}
		return res, err
	}
	if res.Stdout != "" {
		for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
			p.echoLine(mc, line)
		}
	}
	if res.Stderr != "" {
		for _, line := range strings.Split(strings.TrimSpace(res.Stderr), "\n") {
			p.echoLine(mc, "[stderr] "+line)
		}
	}
	return res, nil
}

// initProject creates (or resets) the project directory and runs the
// CLI's project scaffolding.
func (p *Pipeline) initProject(ctx context.Context, mc *models.MigrationContext) {
	if mc.IsErrorState() {
		return
	}
	p.logger.Info("initializing project", "project", mc.ProjectName)
	mc.LogActivity("info", "Initializing project: "+mc.ProjectName, nil)

	projectPath := filepath.Join(p.cfg.ProjectsDir, mc.ProjectName)
	if dirHasRealEntries(projectPath) {
		p.warn(mc, fmt.Sprintf("Project directory already exists and is not empty. Resetting before init: %s", projectPath))
		_ = os.RemoveAll(projectPath)
	}
	if err := os.MkdirAll(projectPath, 0o755); err != nil {
		mc.ProjectInitialized = false
		p.failStage(mc, fmt.Sprintf("Exception during project initialization: %v", err))
		return
	}

	res, err := p.runCLI(ctx, mc, projectPath, defaultCommandTimeout,
		"init", "-l", mc.SourceLanguage, "-n", mc.ProjectName, "-s")
	if err != nil {
		mc.ProjectInitialized = false
		p.failStage(mc, fmt.Sprintf("Exception during project initialization: %v", err))
		return
	}
	if res.Stdout != "" {
		mc.LogActivity("info", "scai init output", map[string]any{"stdout": res.Stdout})
	}
	if res.Stderr != "" {
		mc.LogActivity("warning", "scai init stderr", map[string]any{"stderr": res.Stderr})
	}
	if res.ExitCode != 0 {
		detail := firstNonEmpty(strings.TrimSpace(res.Stderr), strings.TrimSpace(res.Stdout), fmt.Sprintf("Exit code %d", res.ExitCode))
		mc.ProjectInitialized = false
		p.failStage(mc, "Failed to initialize project: "+detail)
		return
	}

	mc.ProjectPath = projectPath
	mc.ProjectInitialized = true
	mc.Transition(models.StageInitProject)
	p.logger.Info("project initialized", "path", projectPath)
	mc.LogActivity("info", "Project initialized at: "+projectPath, nil)
}

// addSourceCode stages the user's SQL into the project and registers it
// with the CLI.
func (p *Pipeline) addSourceCode(ctx context.Context, mc *models.MigrationContext) {
	if mc.IsErrorState() {
		return
	}
	p.logger.Info("adding source code", "project", mc.ProjectName)
	mc.LogActivity("info", "Adding source code for project: "+mc.ProjectName, nil)

	sourceDir := filepath.Join(mc.ProjectPath, "source")
	sourceDirAbs, err := filepath.Abs(sourceDir)
	if err != nil {
		p.failStage(mc, fmt.Sprintf("Exception during source code addition: %v", err))
		return
	}

	sourceInput := mc.SourceDirectory
	if sourceInput == "" && len(mc.SourceFiles) > 0 {
		sourceInput = mc.SourceFiles[0]
	}
	if sourceInput == "" {
		p.failStage(mc, "No source directory provided for code add")
		return
	}

	inputAbs, err := filepath.Abs(sourceInput)
	if err != nil {
		p.failStage(mc, fmt.Sprintf("Exception during source code addition: %v", err))
		return
	}
	if info, statErr := os.Stat(inputAbs); statErr == nil && !info.IsDir() {
		inputAbs = filepath.Dir(inputAbs)
	}
	if info, statErr := os.Stat(inputAbs); statErr != nil || !info.IsDir() {
		if err := os.MkdirAll(sourceDirAbs, 0o755); err != nil {
			p.failStage(mc, fmt.Sprintf("Exception during source code addition: %v", err))
			return
		}
		p.warn(mc, fmt.Sprintf("Source directory does not exist: %s. Using fallback directory: %s", inputAbs, sourceDirAbs))
		inputAbs = sourceDirAbs
	}

	// The CLI refuses to ingest into a non-empty destination (FDS0002).
	_ = os.RemoveAll(sourceDirAbs)

	res, err := p.runCLI(ctx, mc, mc.ProjectPath, defaultCommandTimeout, "code", "add", "-i", inputAbs)
	if err != nil {
		mc.SourceAdded = false
		p.failStage(mc, fmt.Sprintf("Exception during source code addition: %v", err))
		return
	}
	if res.Stdout != "" {
		mc.LogActivity("info", "scai code add output", map[string]any{"stdout": res.Stdout})
	}
	if res.Stderr != "" {
		mc.LogActivity("warning", "scai code add stderr", map[string]any{"stderr": res.Stderr})
	}
	if res.ExitCode != 0 {
		detail := firstNonEmpty(res.Stderr, res.Stdout, "Unknown error")
		mc.SourceAdded = false
		p.failStage(mc, "Failed to add source code: "+detail)
		return
	}

	mc.SourceAdded = true
	mc.Transition(models.StageAddSourceCode)
	p.logger.Info("source code added", "project", mc.ProjectName)
	mc.LogActivity("info", "Source code added successfully", nil)

	if mc.OriginalCode == "" {
		mc.OriginalCode = readSQLFiles(sourceDir)
	}
}

// applySchemaMapping rewrites schema references via the crosswalk and swaps
// the mapped output in as the project's source.
func (p *Pipeline) applySchemaMapping(ctx context.Context, mc *models.MigrationContext) {
	if mc.IsErrorState() {
		return
	}
	p.logger.Info("applying schema mapping", "project", mc.ProjectName)
	mc.LogActivity("info", "Applying schema mapping for project: "+mc.ProjectName, nil)

	sourceDir := filepath.Join(mc.ProjectPath, "source")
	mappedDir := filepath.Join(mc.ProjectPath, "source_mapped")
	if err := os.MkdirAll(mappedDir, 0o755); err != nil {
		p.failStage(mc, fmt.Sprintf("Exception during schema mapping: %v", err))
		return
	}

	logf := func(msg string) {
		mc.AddWarning(msg)
		p.logger.Info("schema mapping", "detail", msg)
		mc.LogActivity("info", "Schema mapping: "+msg, nil)
	}

	mappings, err := LoadCrosswalk(mc.MappingCSVPath)
	if err != nil {
		p.failStage(mc, fmt.Sprintf("Exception during schema mapping: %v", err))
		return
	}
	if err := ApplyCrosswalk(mappings, sourceDir, mappedDir, logf); err != nil {
		p.failStage(mc, fmt.Sprintf("Exception during schema mapping: %v", err))
		return
	}

	if err := os.RemoveAll(sourceDir); err != nil {
		p.failStage(mc, fmt.Sprintf("Exception during schema mapping: %v", err))
		return
	}
	if info, statErr := os.Stat(mappedDir); statErr == nil && info.IsDir() {
		if err := os.Rename(mappedDir, sourceDir); err != nil {
			p.failStage(mc, fmt.Sprintf("Exception during schema mapping: %v", err))
			return
		}
	} else {
		_ = os.MkdirAll(sourceDir, 0o755)
		p.warn(mc, "Mapped output directory not found: "+mappedDir)
	}

	mc.Transition(models.StageApplySchemaMapping)
	p.logger.Info("schema mapping applied", "project", mc.ProjectName)
	mc.LogActivity("info", "Schema mapping applied successfully", nil)

	mc.SchemaMappedCode = readSQLFiles(sourceDir)
}

// convertCode runs the CLI conversion and loads the converted artifacts
// plus the SnowConvert report context.
func (p *Pipeline) convertCode(ctx context.Context, mc *models.MigrationContext) {
	if mc.IsErrorState() {
		return
	}
	p.logger.Info("converting code", "project", mc.ProjectName)
	mc.LogActivity("info", "Converting code for project: "+mc.ProjectName, nil)

	res, err := p.runCLI(ctx, mc, mc.ProjectPath, convertCommandTimeout, "code", "convert")
	if err != nil {
		mc.Converted = false
		p.failStage(mc, fmt.Sprintf("Exception during code conversion: %v", err))
		return
	}
	if res.Stdout != "" {
		mc.LogActivity("info", "scai code convert output", map[string]any{"stdout": res.Stdout})
	}
	if res.Stderr != "" {
		mc.LogActivity("warning", "scai code convert stderr", map[string]any{"stderr": res.Stderr})
	}
	if res.ExitCode != 0 {
		detail := firstNonEmpty(res.Stderr, res.Stdout, "Unknown error")
		mc.Converted = false
		p.failStage(mc, "Failed to convert code: "+detail)
		return
	}

	mc.Converted = true
	mc.Transition(models.StageConvertCode)
	p.logger.Info("code conversion completed", "project", mc.ProjectName)
	mc.LogActivity("info", "Code conversion completed successfully", nil)

	convertedDir := filepath.Join(mc.ProjectPath, "converted")
	mc.ConvertedFiles = listSQLFiles(convertedDir)
	mc.ConvertedCode = readSQLFiles(convertedDir)

	if mc.ConvertedCode == "" {
		mc.ConvertedCode = firstNonEmpty(mc.SchemaMappedCode, mc.OriginalCode)
		if mc.ConvertedCode != "" {
			p.warn(mc, "Converted output files not found; using in-memory SQL content.")
		}
	}

	p.refreshReportMemory(mc)
}

// refreshReportMemory rebuilds the SnowConvert report context on the state.
func (p *Pipeline) refreshReportMemory(mc *models.MigrationContext) {
	rm := BuildReportMemory(mc, p.cfg.IgnoredCodesPath)
	mc.ReportContext = rm
	mc.IgnoredReportCodes = rm.IgnoredCodes
	mc.ReportScanSummary = rm.ScanSummary
}
