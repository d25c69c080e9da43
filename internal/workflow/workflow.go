package workflow

import "time"

// StepType discriminates the six step kinds spec.md §4.G names.
type StepType string

const (
	StepTool      StepType = "tool"
	StepPrompt    StepType = "prompt"
	StepResource  StepType = "resource"
	StepParallel  StepType = "parallel"
	StepCondition StepType = "condition"
	StepSampling  StepType = "sampling"
)

// ErrorAction is a step's per-error policy.
type ErrorAction string

const (
	ActionStop     ErrorAction = "stop"
	ActionContinue ErrorAction = "continue"
	ActionRetry    ErrorAction = "retry"
)

// Step is one unit of work in a Workflow.
type Step struct {
	ID           string
	Type         StepType
	ServerID     string         // for tool/resource/prompt steps
	ToolName     string         // for tool steps
	ResourceURI  string         // for resource steps
	PromptName   string         // for prompt steps
	Provider     string         // for sampling steps ("" = registry default)
	Config       map[string]any // templated request payload
	Steps        []Step         // nested steps for parallel
	Condition    string         // template path evaluated truthy/falsy for condition steps
	Then         []Step
	Else         []Step
	OnError      ErrorAction
	MaxRetries   int
	RetryBackoff time.Duration
	Rollback     bool // on failure, run RollbackSteps
	RollbackSteps []Step
}

// ErrorPolicy is the workflow-level failure handling mode.
type ErrorPolicy string

const (
	WorkflowStop     ErrorPolicy = "stop"
	WorkflowContinue ErrorPolicy = "continue"
)

// Workflow is a named, ordered sequence of steps.
type Workflow struct {
	ID          string
	TenantID    string
	Name        string
	Steps       []Step
	ErrorPolicy ErrorPolicy
}

// Cost accumulates the resource consumption of a workflow execution, fed
// into the Budget Enforcer.
type Cost struct {
	Tokens     int
	Credits    float64
	DurationMS int64
}

func (c *Cost) add(other Cost) {
	c.Tokens += other.Tokens
	c.Credits += other.Credits
	c.DurationMS += other.DurationMS
}

// StepResult is the outcome of executing one step.
type StepResult struct {
	StepID string
	Output any
	Err    error
	Cost   Cost
}

// RunStatus is the lifecycle state of a WorkflowExecution.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Execution is the observable state of one workflow run.
type Execution struct {
	ID        string
	WorkflowID string
	Status    RunStatus
	Output    any
	Err       error
	Cost      Cost
	StepLog   []StepResult
	StartedAt time.Time
	EndedAt   time.Time
}
