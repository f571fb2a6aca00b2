package pipeline

import (
	"time"

	"github.com/google/uuid"

	"conveyor/internal/media"
)

// ExecutionStatus is the lifecycle state of one template walk.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionPaused    ExecutionStatus = "PAUSED"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution tracks one walk of a template for a request. Cursor names the
// next step to run so a restart resumes from the last persisted position;
// it is empty before the first step and after the walk finishes.
type Execution struct {
	ID          string
	RequestID   int64
	TemplateID  string
	Status      ExecutionStatus
	Context     *Context
	Cursor      string
	Error       string
	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// NewExecution creates a RUNNING execution seeded with the request identity.
func NewExecution(req *media.Request, templateID string, now time.Time) *Execution {
	return &Execution{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		TemplateID: templateID,
		Status:     ExecutionRunning,
		Context:    NewContext(req),
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// StepOutcome records how one node visit ended.
type StepOutcome string

const (
	StepSucceeded StepOutcome = "SUCCEEDED"
	StepFailed    StepOutcome = "FAILED"
	StepSkipped   StepOutcome = "SKIPPED"
	StepPaused    StepOutcome = "PAUSED"
)

// StepRecord is the observability row written for every node visit.
type StepRecord struct {
	ID          int64
	ExecutionID string
	StepName    string
	StepType    string
	Sequence    int
	Outcome     StepOutcome
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}
