package models

import (
	"encoding/json"
	"time"
)

// StepKind enumerates the closed set of workflow step types.
type StepKind string

const (
	StepLog                StepKind = "log"
	StepDelay              StepKind = "delay"
	StepCondition          StepKind = "condition"
	StepParallel           StepKind = "parallel"
	StepSendAlert          StepKind = "send_alert"
	StepDeviceQuery        StepKind = "device_query"
	StepSendCommand        StepKind = "send_command"
	StepWaitForDeviceState StepKind = "wait_for_device_state"
	StepExecuteWasm        StepKind = "execute_wasm"
	StepHTTPRequest        StepKind = "http_request"
	StepImageProcess       StepKind = "image_process"
	StepDataQuery          StepKind = "data_query"
)

// WorkflowStep is one interpretable step. Params carries the kind-specific
// fields; Condition/Parallel nest their sub-steps directly.
type WorkflowStep struct {
	ID     string          `json:"id"`
	Kind   StepKind        `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`

	// Condition fields.
	Cond      string         `json:"cond,omitempty"`
	ThenSteps []WorkflowStep `json:"then_steps,omitempty"`
	ElseSteps []WorkflowStep `json:"else_steps,omitempty"`

	// Parallel fields.
	Steps       []WorkflowStep `json:"steps,omitempty"`
	MaxParallel int            `json:"max_parallel,omitempty"`
}

// Workflow is an ordered sequence of steps executed per trigger.
type Workflow struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Steps   []WorkflowStep `json:"steps"`
	Enabled bool           `json:"enabled"`
}

// StepStatus is the outcome of a single executed step.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepResult is the recorded result of one executed step.
type StepResult struct {
	StepID     string         `json:"step_id"`
	Status     StepStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// AutomationKind discriminates the automation union.
type AutomationKind string

const (
	AutomationRule      AutomationKind = "rule"
	AutomationTransform AutomationKind = "transform"
)

// Automation is a stored rule or transform with execution metadata.
type Automation struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Kind           AutomationKind  `json:"kind"`
	Enabled        bool            `json:"enabled"`
	ExecutionCount int             `json:"execution_count"`
	LastExecuted   *time.Time      `json:"last_executed,omitempty"`

	Rule      *RuleSpec      `json:"rule,omitempty"`
	Transform *TransformSpec `json:"transform,omitempty"`
}

// RuleSpec is the trigger/condition/actions form of an automation.
type RuleSpec struct {
	Trigger   string         `json:"trigger"`
	Condition string         `json:"condition,omitempty"`
	Actions   []WorkflowStep `json:"actions"`
}

// TransformSpec rewrites device data streams in place.
type TransformSpec struct {
	Scope        string `json:"scope"`
	Intent       string `json:"intent,omitempty"`
	Code         string `json:"code,omitempty"`
	OutputPrefix string `json:"output_prefix"`
}
