package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snowlift/snowlift/pkg/models"
	"github.com/snowlift/snowlift/pkg/upstream"
)

// executeSQL runs the converted SQL against the target account, one file at
// a time. A missing-object failure pauses the run for a DDL upload; any
// other failure routes to self-heal via the recorded validation issue.
func (p *Pipeline) executeSQL(ctx context.Context, mc *models.MigrationContext) {
	if mc.IsErrorState() {
		return
	}
	p.logger.Info("executing converted sql", "project", mc.ProjectName)
	mc.Transition(models.StageExecuteSQL)
	mc.LogActivity("info", "Executing converted SQL", nil)
	p.echoLine(mc, "$ Executing converted SQL in Snowflake...")

	if mc.RequiresDDLUpload {
		p.applyUploadedDDL(ctx, mc)
		if mc.RequiresDDLUpload {
			return
		}
	}

	convertedDir := filepath.Join(mc.ProjectPath, "converted")
	sqlFiles := listSQLFiles(convertedDir)

	rt, err := p.connect(ctx, mc)
	if err != nil {
		p.recordExecutionFailure(mc, sqlFiles, err)
		return
	}
	defer rt.Close()

	switch {
	case len(sqlFiles) > 0:
		start := mc.LastExecutedFileIndex + 1
		if start < 0 {
			start = 0
		}
		for index := start; index < len(sqlFiles); index++ {
			file := sqlFiles[index]
			p.echoLine(mc, "  Executing: "+filepath.Base(file))

			raw, readErr := os.ReadFile(file)
			if readErr != nil {
				p.recordExecutionFailure(mc, sqlFiles, readErr)
				return
			}
			sqlText := stripBOM(string(raw))
			if strings.TrimSpace(sqlText) == "" {
				mc.ExecutionLog = append(mc.ExecutionLog, models.ExecutionRecord{
					File: file, Index: index, Status: "skipped_empty",
				})
				mc.LastExecutedFileIndex = index
				continue
			}

			results, execErr := rt.ExecuteScript(ctx, sqlText)
			if execErr != nil {
				p.recordExecutionFailure(mc, sqlFiles, execErr)
				return
			}
			mc.ExecutionLog = append(mc.ExecutionLog, models.ExecutionRecord{
				File: file, Index: index, Status: "success", Statements: results,
			})
			mc.LastExecutedFileIndex = index
		}

	case strings.TrimSpace(mc.ConvertedCode) != "":
		results, execErr := rt.ExecuteScript(ctx, mc.ConvertedCode)
		if execErr != nil {
			p.recordExecutionFailure(mc, nil, execErr)
			return
		}
		mc.ExecutionLog = append(mc.ExecutionLog, models.ExecutionRecord{
			File: "in_memory_converted_code", Index: 0, Status: "success", Statements: results,
		})
		mc.LastExecutedFileIndex = 0

	default:
		p.recordExecutionFailure(mc, nil, errors.New("No converted SQL files or converted_code found for execution."))
		return
	}

	mc.ExecutionPassed = true
	mc.ExecutionErrors = nil
	mc.MissingObjects = nil
	mc.ValidationIssues = nil
	mc.UpdatedAt = time.Now()
	mc.LogActivity("info", "Converted SQL execution completed successfully", nil)
	p.echoLine(mc, "[OK] SQL execution completed successfully")
}

// applyUploadedDDL executes the user's uploaded DDL script before resuming
// file execution. Every failure path leaves the run paused in human review;
// RequiresDDLUpload stays set unless the script ran cleanly.
func (p *Pipeline) applyUploadedDDL(ctx context.Context, mc *models.MigrationContext) {
	if mc.DDLUploadPath == "" || !fileExists(mc.DDLUploadPath) {
		mc.CurrentStage = models.StageHumanReview
		mc.RequiresHumanIntervention = true
		mc.HumanInterventionReason = "DDL upload is required to resolve missing objects."
		mc.LogActivity("warning", "DDL upload path missing for resume", nil)
		return
	}

	raw, err := os.ReadFile(mc.DDLUploadPath)
	if err == nil {
		ddl := stripBOM(string(raw))
		if strings.TrimSpace(ddl) == "" {
			mc.CurrentStage = models.StageHumanReview
			mc.RequiresHumanIntervention = true
			mc.HumanInterventionReason = "Uploaded DDL file is empty."
			mc.LogActivity("warning", "Uploaded DDL file is empty", nil)
			return
		}

		p.echoLine(mc, "$ Executing uploaded DDL script...")
		var rt Runtime
		rt, err = p.connect(ctx, mc)
		if err == nil {
			_, err = rt.ExecuteScript(ctx, ddl)
			_ = rt.Close()
		}
	}
	if err != nil {
		msg := fmt.Sprintf("Failed to execute uploaded DDL: %v", err)
		mc.AddError(msg)
		mc.CurrentStage = models.StageHumanReview
		mc.RequiresHumanIntervention = true
		mc.RequiresDDLUpload = true
		mc.HumanInterventionReason = msg
		mc.LogActivity("error", msg, nil)
		return
	}

	mc.RequiresDDLUpload = false
	mc.DDLUploadPath = ""
	mc.ResumeFromStage = models.StageExecuteSQL
	mc.RequiresHumanIntervention = false
	mc.HumanInterventionReason = ""
	mc.LogActivity("info", "Uploaded DDL executed successfully, resuming SQL execution", nil)
	p.echoLine(mc, "[OK] DDL executed, resuming SQL execution")
}

// recordExecutionFailure classifies an execution error and routes: missing
// objects pause the run for human review, everything else becomes a
// validation issue for the self-heal loop.
func (p *Pipeline) recordExecutionFailure(mc *models.MigrationContext, sqlFiles []string, err error) {
	message := err.Error()
	failedStatement := ""
	failedIndex := -1
	var partial []models.StatementResult

	var scriptErr *upstream.ScriptError
	if errors.As(err, &scriptErr) {
		message = scriptErr.Message
		failedStatement = scriptErr.Statement
		failedIndex = scriptErr.StatementIndex
		partial = scriptErr.PartialResults
	}
	errorType, objectName := upstream.ClassifyError(message)

	mc.ExecutionPassed = false
	mc.ExecutionErrors = append(mc.ExecutionErrors, models.ExecutionError{
		Type:           errorType,
		Message:        message,
		ObjectName:     objectName,
		Stage:          models.StageExecuteSQL,
		Statement:      failedStatement,
		StatementIndex: failedIndex,
	})

	failFileIndex := mc.LastExecutedFileIndex + 1
	failFile := "unknown"
	if len(sqlFiles) > 0 && failFileIndex < len(sqlFiles) && failFileIndex >= 0 {
		failFile = sqlFiles[failFileIndex]
	}
	mc.ExecutionLog = append(mc.ExecutionLog, models.ExecutionRecord{
		File:                 failFile,
		Index:                failFileIndex,
		Status:               "failed",
		ErrorType:            errorType,
		ErrorMessage:         message,
		MissingObject:        objectName,
		Statements:           partial,
		FailedStatement:      failedStatement,
		FailedStatementIndex: failedIndex,
	})

	p.echoLine(mc, "[ERROR] SQL execution failed: "+errorType)

	if errorType == upstream.ErrKindMissingObject {
		if normalized := strings.TrimSpace(objectName); normalized != "" {
			known := false
			for _, existing := range mc.MissingObjects {
				if existing == normalized {
					known = true
					break
				}
			}
			if !known {
				mc.MissingObjects = append(mc.MissingObjects, normalized)
			}
		}
		mc.RequiresDDLUpload = true
		mc.RequiresHumanIntervention = true
		mc.ResumeFromStage = models.StageExecuteSQL
		mc.CurrentStage = models.StageHumanReview

		missingDetail := "unresolved object"
		if len(mc.MissingObjects) > 0 {
			missingDetail = strings.Join(mc.MissingObjects, ", ")
		}
		mc.HumanInterventionReason = fmt.Sprintf(
			"Missing object detected: %s. Upload DDL script to create required objects, then resume.",
			missingDetail,
		)
		mc.LogActivity("warning", mc.HumanInterventionReason, nil)
		p.echoLine(mc, "[PAUSED] Missing object: "+missingDetail)
		mc.UpdatedAt = time.Now()
		return
	}

	mc.ValidationIssues = append(mc.ValidationIssues, models.ValidationIssue{
		Type: "execution_error", Severity: "error", Message: message,
	})
	mc.LogActivity("error", "Execution failed, routing to self-heal: "+message, nil)
	mc.UpdatedAt = time.Now()
}
