// Package workflow interprets a workflow as an ordered sequence of steps
// with condition branching, bounded parallelism, template substitution,
// and a nesting-depth guard.
package workflow

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/edgemind/edgemind/pkg/models"
)

// LogEntry is one line of a run's log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	StepID  string    `json:"step_id,omitempty"`
	Message string    `json:"message"`
}

// ExecutionContext carries per-run state. Step results and variables
// feed ${name} template substitution; it is safe for the concurrent
// access a Parallel step generates.
type ExecutionContext struct {
	WorkflowID  string
	ExecutionID string
	StartedAt   time.Time

	mu          sync.RWMutex
	stepResults map[string]*models.StepResult
	variables   map[string]string
	logs        []LogEntry
}

// NewExecutionContext creates a run context.
func NewExecutionContext(workflowID, executionID string) *ExecutionContext {
	return &ExecutionContext{
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		StartedAt:   time.Now(),
		stepResults: make(map[string]*models.StepResult),
		variables:   make(map[string]string),
	}
}

// SetVariable stores a run variable.
func (c *ExecutionContext) SetVariable(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Variable reads a run variable.
func (c *ExecutionContext) Variable(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// RecordResult stores a step's result.
func (c *ExecutionContext) RecordResult(result *models.StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepResults[result.StepID] = result
}

// Result reads a recorded step result.
func (c *ExecutionContext) Result(stepID string) (*models.StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.stepResults[stepID]
	return r, ok
}

// Results returns a copy of all recorded results.
func (c *ExecutionContext) Results() map[string]*models.StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*models.StepResult, len(c.stepResults))
	for id, r := range c.stepResults {
		out[id] = r
	}
	return out
}

// Log appends a run log line.
func (c *ExecutionContext) Log(stepID, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, LogEntry{
		Time:    time.Now(),
		StepID:  stepID,
		Message: fmt.Sprintf(format, args...),
	})
}

// Logs returns a copy of the run log.
func (c *ExecutionContext) Logs() []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// merge folds a child context's results and logs back into the parent,
// used by Parallel sub-steps.
func (c *ExecutionContext) merge(child *ExecutionContext) {
	child.mu.RLock()
	results := make([]*models.StepResult, 0, len(child.stepResults))
	for _, r := range child.stepResults {
		results = append(results, r)
	}
	logs := make([]LogEntry, len(child.logs))
	copy(logs, child.logs)
	child.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range results {
		c.stepResults[r.StepID] = r
	}
	c.logs = append(c.logs, logs...)
}

// child creates a sub-context sharing ids but with isolated result maps,
// so parallel branches never race on the parent until merge.
func (c *ExecutionContext) child() *ExecutionContext {
	child := NewExecutionContext(c.WorkflowID, c.ExecutionID)
	child.StartedAt = c.StartedAt
	c.mu.RLock()
	for id, r := range c.stepResults {
		child.stepResults[id] = r
	}
	for name, v := range c.variables {
		child.variables[name] = v
	}
	c.mu.RUnlock()
	return child
}

var templateRefRe = regexp.MustCompile(`\$\{([a-zA-Z0-9_.-]+)\}`)

// Substitute resolves every ${name} in the template: first against a
// step result's stringified output, then against variables; unresolved
// references stay literal.
func (c *ExecutionContext) Substitute(template string) string {
	return templateRefRe.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-1]
		if value, ok := c.lookupRef(name); ok {
			return value
		}
		return match
	})
}

// lookupRef resolves "step", "step.field", or a variable name.
func (c *ExecutionContext) lookupRef(name string) (string, bool) {
	stepID := name
	field := ""
	if idx := indexByte(name, '.'); idx >= 0 {
		stepID, field = name[:idx], name[idx+1:]
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if result, ok := c.stepResults[stepID]; ok {
		if field == "" {
			if v, ok := result.Output["value"]; ok {
				return stringify(v), true
			}
			return stringifyOutput(result.Output), true
		}
		if v, ok := result.Output[field]; ok {
			return stringify(v), true
		}
	}
	if v, ok := c.variables[name]; ok {
		return v, true
	}
	return "", false
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func stringifyOutput(output map[string]any) string {
	if len(output) == 0 {
		return ""
	}
	if len(output) == 1 {
		for _, v := range output {
			return stringify(v)
		}
	}
	return fmt.Sprintf("%v", output)
}
