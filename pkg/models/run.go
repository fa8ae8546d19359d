package models

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StepStatus describes one pipeline step for the workflow status panel.
type StepStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"` // pending | running | completed | failed
	Message string `json:"message,omitempty"`
}

// WorkflowStatus is the per-step snapshot emitted to the stream after each
// stage completes.
type WorkflowStatus struct {
	RunID       string       `json:"runId"`
	Status      RunStatus    `json:"status"`
	CurrentStep string       `json:"currentStep"`
	Stage       Stage        `json:"stage"`
	Steps       []StepStatus `json:"steps"`
}

// RunSnapshot is the polled view of a run returned by the status endpoint.
type RunSnapshot struct {
	RunID                     string         `json:"run_id"`
	Status                    RunStatus      `json:"status"`
	Stage                     Stage          `json:"stage"`
	Paused                    bool           `json:"paused"`
	RequiresHumanIntervention bool           `json:"requires_human_intervention"`
	HumanInterventionReason   string         `json:"human_intervention_reason,omitempty"`
	MissingObjects            []string       `json:"missing_objects,omitempty"`
	Errors                    []string       `json:"errors,omitempty"`
	WarningsCount             int            `json:"warnings_count"`
	SelfHealIteration         int            `json:"self_heal_iteration"`
	SummaryReport             *SummaryReport `json:"summary_report,omitempty"`
}
