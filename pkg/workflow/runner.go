package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/snowlift/snowlift/pkg/models"
	"github.com/snowlift/snowlift/pkg/stream"
)

// eventQueueSize bounds the activity buffer between stages and the stream.
// When the queue is full, entries remain in the context's activity log only.
const eventQueueSize = 256

var stepDisplayNames = map[string]string{
	"init_project":         "Initialize Project",
	"add_source_code":      "Add Source Code",
	"apply_schema_mapping": "Apply Schema Mapping",
	"convert_code":         "Convert Code",
	"execute_sql":          "Execute SQL",
	"self_heal":            "Self-Heal",
	"validate":             "Validate",
	"human_review":         "Human Review",
	"finalize":             "Finalize",
}

var allSteps = []string{
	"init_project", "add_source_code", "apply_schema_mapping",
	"convert_code", "execute_sql", "self_heal", "validate",
	"human_review", "finalize",
}

// Run is one registered workflow execution. The migration context is owned
// by the active stream goroutine; everyone else reads the published
// snapshot, which is rebuilt under the mutex after every node.
type Run struct {
	ID  string
	Ctx *models.MigrationContext

	events chan models.ActivityEntry

	mu          sync.Mutex
	status      models.RunStatus
	paused      bool
	streaming   bool
	ddlRequired bool
	snapshot    models.RunSnapshot
}

// Status returns the run's lifecycle state.
func (run *Run) Status() models.RunStatus {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.status
}

// Paused reports whether the run is waiting on human review.
func (run *Run) Paused() bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.paused
}

// RequiresDDLUpload reports whether the run is blocked on a DDL script.
func (run *Run) RequiresDDLUpload() bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.ddlRequired
}

// SetDDLUploadPath points the run at an uploaded DDL script. Valid only
// while the run is paused; the next resume executes the script before
// re-entering SQL execution.
func (run *Run) SetDDLUploadPath(path string) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.Ctx.DDLUploadPath = path
}

// Snapshot returns the last published view of the run.
func (run *Run) Snapshot() models.RunSnapshot {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.snapshot
}

func (run *Run) setState(status models.RunStatus, paused bool) {
	run.mu.Lock()
	run.status = status
	run.paused = paused
	run.mu.Unlock()
}

// publish rebuilds the snapshot from the context. Called by the stream
// goroutine between nodes, so the context reads do not race stage writes.
func (run *Run) publish() {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.snapshot = buildSnapshot(run.ID, run.Ctx, run.status, run.paused)
	run.ddlRequired = run.Ctx.RequiresDDLUpload
}

func buildSnapshot(runID string, mc *models.MigrationContext, status models.RunStatus, paused bool) models.RunSnapshot {
	tail := mc.Errors
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	var summary *models.SummaryReport
	if mc.CurrentStage == models.StageCompleted {
		summary = mc.SummaryReport
	}
	return models.RunSnapshot{
		RunID:                     runID,
		Status:                    status,
		Stage:                     mc.CurrentStage,
		Paused:                    paused,
		RequiresHumanIntervention: mc.RequiresHumanIntervention,
		HumanInterventionReason:   mc.HumanInterventionReason,
		MissingObjects:            append([]string(nil), mc.MissingObjects...),
		Errors:                    append([]string(nil), tail...),
		WarningsCount:             len(mc.Warnings),
		SelfHealIteration:         mc.SelfHealIteration,
		SummaryReport:             summary,
	}
}

// Runner keeps the in-memory run registry and drives registered runs
// through the pipeline, streaming progress over the data-stream protocol.
type Runner struct {
	pipeline *Pipeline
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

func NewRunner(pipeline *Pipeline, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{pipeline: pipeline, logger: logger, runs: make(map[string]*Run)}
}

// StartRun registers a run for the given context. Nothing executes until a
// client attaches to the run stream.
func (r *Runner) StartRun(mc *models.MigrationContext) *Run {
	run := &Run{
		ID:     uuid.NewString(),
		Ctx:    mc,
		status: models.RunPending,
		events: make(chan models.ActivityEntry, eventQueueSize),
	}
	mc.RunID = run.ID
	mc.EventSink = run.events
	run.publish()

	r.mu.Lock()
	r.runs[run.ID] = run
	r.mu.Unlock()

	r.logger.Info("workflow run registered", "run_id", run.ID, "project", mc.ProjectName)
	return run
}

// Count reports how many runs are registered, in any state.
func (r *Runner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Get looks up a registered run.
func (r *Runner) Get(runID string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	return run, ok
}

// Snapshot returns the published view of a run.
func (r *Runner) Snapshot(runID string) (models.RunSnapshot, bool) {
	run, ok := r.Get(runID)
	if !ok {
		return models.RunSnapshot{}, false
	}
	return run.Snapshot(), true
}

// StreamRun executes a pending run from the first node and streams progress
// parts to w. For runs that already reached a terminal or paused state it
// replays the final view instead of executing anything again.
func (r *Runner) StreamRun(ctx context.Context, runID string, w *stream.Writer) {
	run, ok := r.Get(runID)
	if !ok {
		_ = w.Send(stream.ErrorPart("Run not found"))
		return
	}

	run.mu.Lock()
	if run.streaming {
		run.mu.Unlock()
		_ = w.Send(stream.ErrorPart("Run is already streaming"))
		return
	}
	switch run.status {
	case models.RunCompleted, models.RunFailed:
		status := run.status
		run.mu.Unlock()
		r.replayTerminal(run, w, status)
		return
	case models.RunPaused:
		run.mu.Unlock()
		r.replayPause(run, w)
		return
	}
	run.streaming = true
	run.status = models.RunRunning
	run.mu.Unlock()

	r.streamFrom(ctx, run, w, "init_project")
}

// ResumeRun continues a paused run. The human-review flags are cleared and
// execution re-enters at the SQL execution node, which applies any uploaded
// DDL before retrying the converted scripts.
func (r *Runner) ResumeRun(ctx context.Context, runID string, w *stream.Writer) {
	run, ok := r.Get(runID)
	if !ok {
		_ = w.Send(stream.ErrorPart("Run not found"))
		return
	}

	run.mu.Lock()
	if run.streaming {
		run.mu.Unlock()
		_ = w.Send(stream.ErrorPart("Run is already streaming"))
		return
	}
	if run.status != models.RunPaused {
		run.mu.Unlock()
		_ = w.Send(stream.ErrorPart("Run is not paused"))
		return
	}
	run.streaming = true
	run.status = models.RunRunning
	run.paused = false
	run.mu.Unlock()

	mc := run.Ctx
	mc.RequiresHumanIntervention = false
	mc.CurrentStage = models.StageExecuteSQL
	run.publish()

	r.streamFrom(ctx, run, w, "execute_sql")
}

func (r *Runner) streamFrom(ctx context.Context, run *Run, w *stream.Writer, entry string) {
	mc := run.Ctx
	b := stream.NewBuilder("")

	defer func() {
		run.mu.Lock()
		run.streaming = false
		run.mu.Unlock()
	}()

	if err := w.Send(stream.DataPart("workflow-status", buildWorkflowStatus(run.ID, mc, entry, models.RunRunning))); err != nil {
		r.abandon(run, err)
		return
	}

	node := entry
	for node != "" {
		if err := ctx.Err(); err != nil {
			r.abandon(run, err)
			return
		}

		if err := r.pipeline.RunStage(ctx, node, mc); err != nil {
			mc.AddError(err.Error())
			mc.CurrentStage = models.StageError
		}
		run.publish()

		overall := models.RunRunning
		switch mc.CurrentStage {
		case models.StageError:
			overall = models.RunFailed
		case models.StageCompleted:
			overall = models.RunCompleted
		}

		if err := w.Send(stream.DataPart("workflow-status", buildWorkflowStatus(run.ID, mc, node, overall))); err != nil {
			r.abandon(run, err)
			return
		}
		if err := r.drainEvents(run, w, b); err != nil {
			r.abandon(run, err)
			return
		}

		if mc.CurrentStage == models.StageHumanReview && mc.RequiresHumanIntervention {
			run.setState(models.RunPaused, true)
			run.publish()
			_ = w.Send(stream.DataPart("human-review-required", pausePayload(run.ID, mc)))
			// The stream ends here; the client uploads DDL and calls resume.
			return
		}

		if node == "finalize" {
			break
		}

		r.pipeline.Supervise(ctx, mc)
		run.publish()

		if mc.SupervisorReasoning != "" {
			part := stream.DataPart("supervisor-reasoning", map[string]any{
				"runId":     run.ID,
				"afterStep": string(mc.CurrentStage),
				"decision":  mc.SupervisorDecision,
				"reasoning": mc.SupervisorReasoning,
			})
			if err := w.Send(part); err != nil {
				r.abandon(run, err)
				return
			}
			delta := fmt.Sprintf("🧠 Supervisor → **%s**: %s\n", mc.SupervisorDecision, mc.SupervisorReasoning)
			if err := w.Send(stream.ReasoningDeltaPart(b.NewReasoningID(), delta)); err != nil {
				r.abandon(run, err)
				return
			}
		}

		node = RouteAfterSupervisor(mc)
		run.publish()
	}

	final := models.RunCompleted
	finalNode := node
	switch mc.CurrentStage {
	case models.StageCompleted:
		finalNode = "finalize"
	case models.StageError:
		final = models.RunFailed
	}
	run.setState(final, false)
	run.publish()

	if err := w.Send(stream.DataPart("workflow-status", buildWorkflowStatus(run.ID, mc, finalNode, final))); err != nil {
		return
	}
	emitSummary(w, b, mc)

	r.logger.Info("workflow run finished", "run_id", run.ID, "status", final, "stage", mc.CurrentStage)
}

// drainEvents flushes queued activity entries as reasoning deltas.
func (r *Runner) drainEvents(run *Run, w *stream.Writer, b *stream.Builder) error {
	for {
		select {
		case entry := <-run.events:
			delta := fmt.Sprintf("[%s] %s\n", strings.ToUpper(entry.Level), entry.Message)
			if err := w.Send(stream.ReasoningDeltaPart(b.NewReasoningID(), delta)); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// abandon marks an interrupted run failed. With the stream gone nothing can
// drive the remaining stages, so the run cannot stay "running".
func (r *Runner) abandon(run *Run, err error) {
	run.Ctx.AddError("Run interrupted: " + err.Error())
	run.setState(models.RunFailed, false)
	run.publish()
	r.logger.Warn("run stream interrupted", "run_id", run.ID, "error", err)
}

func (r *Runner) replayTerminal(run *Run, w *stream.Writer, status models.RunStatus) {
	mc := run.Ctx
	if err := w.Send(stream.DataPart("workflow-status", buildWorkflowStatus(run.ID, mc, "finalize", status))); err != nil {
		return
	}
	if status == models.RunCompleted {
		emitSummary(w, stream.NewBuilder(""), mc)
	}
}

func (r *Runner) replayPause(run *Run, w *stream.Writer) {
	mc := run.Ctx
	if err := w.Send(stream.DataPart("workflow-status", buildWorkflowStatus(run.ID, mc, "human_review", models.RunPaused))); err != nil {
		return
	}
	_ = w.Send(stream.DataPart("human-review-required", pausePayload(run.ID, mc)))
}

func pausePayload(runID string, mc *models.MigrationContext) map[string]any {
	return map[string]any{
		"run_id":              runID,
		"reason":              mc.HumanInterventionReason,
		"missing_objects":     mc.MissingObjects,
		"requires_ddl_upload": mc.RequiresDDLUpload,
	}
}

func emitSummary(w *stream.Writer, b *stream.Builder, mc *models.MigrationContext) {
	if mc.SummaryReport == nil {
		return
	}
	validation := "Failed"
	if mc.ValidationPassed {
		validation = "Passed"
	}
	summary := fmt.Sprintf("\n\n**Migration Complete!** Output: `%s`\n- Files: %d\n- Self-heal iterations: %d\n- Validation: %s\n",
		mc.OutputPath, len(mc.OutputFiles), mc.SelfHealIteration, validation)

	textID := b.NewTextID()
	if err := w.Send(stream.TextStartPart(textID)); err != nil {
		return
	}
	if err := w.Send(stream.TextDeltaPart(textID, summary)); err != nil {
		return
	}
	_ = w.Send(stream.TextEndPart(textID))
}

// buildWorkflowStatus renders the per-step panel for the stream. Steps
// before the current node read as completed, the current node as running
// unless the run failed, everything after as pending.
func buildWorkflowStatus(runID string, mc *models.MigrationContext, currentNode string, overall models.RunStatus) models.WorkflowStatus {
	steps := make([]models.StepStatus, 0, len(allSteps))
	reachedCurrent := false
	for _, stepID := range allSteps {
		var status string
		switch {
		case stepID == currentNode:
			status = "running"
			reachedCurrent = true
		case !reachedCurrent:
			status = "completed"
		default:
			status = "pending"
		}
		if mc.CurrentStage == models.StageError && stepID == currentNode {
			status = "failed"
		}
		if overall == models.RunCompleted {
			status = "completed"
		} else if overall == models.RunFailed && stepID == currentNode {
			status = "failed"
		}
		steps = append(steps, models.StepStatus{
			ID:      stepID,
			Name:    stepDisplayNames[stepID],
			Status:  status,
			Message: stepMessage(mc, stepID, status),
		})
	}
	return models.WorkflowStatus{
		RunID:       runID,
		Status:      overall,
		CurrentStep: currentNode,
		Stage:       mc.CurrentStage,
		Steps:       steps,
	}
}

func stepMessage(mc *models.MigrationContext, stepID, status string) string {
	if status == "pending" {
		return ""
	}
	switch stepID {
	case "execute_sql":
		if !mc.ExecutionPassed && len(mc.ExecutionErrors) > 0 {
			return truncate(mc.ExecutionErrors[len(mc.ExecutionErrors)-1].Message, 100)
		}
	case "self_heal":
		if mc.SelfHealIteration > 0 {
			return fmt.Sprintf("Iteration %d/%d", mc.SelfHealIteration, mc.MaxSelfHealIterations)
		}
	case "validate":
		if len(mc.ValidationIssues) > 0 {
			return fmt.Sprintf("%d issues found", len(mc.ValidationIssues))
		}
	case "human_review":
		if mc.HumanInterventionReason != "" {
			return truncate(mc.HumanInterventionReason, 100)
		}
	case "finalize":
		if status == "completed" {
			return fmt.Sprintf("%d files output", len(mc.OutputFiles))
		}
	}
	return ""
}
