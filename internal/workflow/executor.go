package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/edgemind/edgemind/internal/deviceadapters"
	"github.com/edgemind/edgemind/internal/devicestate"
	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/internal/infra"
	"github.com/edgemind/edgemind/internal/messages"
	"github.com/edgemind/edgemind/internal/timeseries"
	"github.com/edgemind/edgemind/pkg/models"
)

// MaxNestingDepth bounds Condition/Parallel recursion.
const MaxNestingDepth = 10

// WasmRunner executes a wasm module step. Installed by the extension
// subsystem when one is configured.
type WasmRunner interface {
	Execute(ctx context.Context, module string, input []byte) ([]byte, error)
}

// ImageProcessor executes an image-processing step.
type ImageProcessor interface {
	Process(ctx context.Context, operation string, params json.RawMessage) (map[string]any, error)
}

// CommandSender dispatches a device command through an adapter.
type CommandSender func(ctx context.Context, cmd deviceadapters.Command) error

// Deps are the collaborators steps act on. Nil fields make the
// corresponding step kinds fail with a configuration error rather than
// panic.
type Deps struct {
	Messages    *messages.Manager
	States      devicestate.Store
	Series      timeseries.Store
	SendCommand CommandSender
	HTTPClient  *http.Client
	Wasm        WasmRunner
	Images      ImageProcessor
	Logger      *slog.Logger
}

// Executor interprets workflows.
type Executor struct {
	deps Deps
}

// NewExecutor creates an executor over its dependencies.
func NewExecutor(deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Executor{deps: deps}
}

// RunResult is one workflow run's outcome.
type RunResult struct {
	Context *ExecutionContext
	Results []*models.StepResult
	Failed  int
}

// Execute runs a workflow's steps in order. A failed step is recorded
// and execution continues with the next top-level step.
func (e *Executor) Execute(ctx context.Context, wf *models.Workflow, ec *ExecutionContext) (*RunResult, error) {
	if wf == nil {
		return nil, errs.InvalidArguments("workflow", "must not be nil")
	}
	if ec == nil {
		ec = NewExecutionContext(wf.ID, fmt.Sprintf("run-%d", time.Now().UnixNano()))
	}
	run := &RunResult{Context: ec}
	for i := range wf.Steps {
		result := e.executeStep(ctx, &wf.Steps[i], ec, 0)
		run.Results = append(run.Results, result)
		if result.Status == models.StepStatusFailed {
			run.Failed++
		}
	}
	return run, nil
}

// ExecuteStep runs a single step tree at depth zero.
func (e *Executor) ExecuteStep(ctx context.Context, step *models.WorkflowStep, ec *ExecutionContext) *models.StepResult {
	return e.executeStep(ctx, step, ec, 0)
}

func (e *Executor) executeStep(ctx context.Context, step *models.WorkflowStep, ec *ExecutionContext, depth int) *models.StepResult {
	result := &models.StepResult{
		StepID:    step.ID,
		StartedAt: time.Now(),
		Output:    map[string]any{},
	}
	defer func() {
		result.FinishedAt = time.Now()
		ec.RecordResult(result)
	}()

	if depth > MaxNestingDepth {
		result.Status = models.StepStatusFailed
		result.Error = errs.LoopDetected("nesting_depth",
			fmt.Sprintf("step %q nested beyond depth %d", step.ID, MaxNestingDepth)).Error()
		return result
	}
	if ctx.Err() != nil {
		result.Status = models.StepStatusFailed
		result.Error = ctx.Err().Error()
		return result
	}

	var err error
	switch step.Kind {
	case models.StepLog:
		err = e.stepLog(step, ec, result)
	case models.StepDelay:
		err = e.stepDelay(ctx, step, result)
	case models.StepCondition:
		err = e.stepCondition(ctx, step, ec, result, depth)
	case models.StepParallel:
		err = e.stepParallel(ctx, step, ec, result, depth)
	case models.StepSendAlert:
		err = e.stepSendAlert(ctx, step, ec, result)
	case models.StepDeviceQuery:
		err = e.stepDeviceQuery(ctx, step, ec, result)
	case models.StepSendCommand:
		err = e.stepSendCommand(ctx, step, ec, result)
	case models.StepWaitForDeviceState:
		err = e.stepWaitForDeviceState(ctx, step, ec, result)
	case models.StepExecuteWasm:
		err = e.stepExecuteWasm(ctx, step, ec, result)
	case models.StepHTTPRequest:
		err = e.stepHTTPRequest(ctx, step, ec, result)
	case models.StepImageProcess:
		err = e.stepImageProcess(ctx, step, result)
	case models.StepDataQuery:
		err = e.stepDataQuery(ctx, step, ec, result)
	default:
		err = errs.InvalidArguments("kind", "unknown step kind "+string(step.Kind))
	}

	if err != nil {
		result.Status = models.StepStatusFailed
		result.Error = err.Error()
		ec.Log(step.ID, "step failed: %v", err)
	} else if result.Status == "" {
		result.Status = models.StepStatusCompleted
	}
	return result
}

type logParams struct {
	Message string `json:"message"`
}

func (e *Executor) stepLog(step *models.WorkflowStep, ec *ExecutionContext, result *models.StepResult) error {
	var p logParams
	if err := decodeParams(step.Params, &p); err != nil {
		return err
	}
	message := ec.Substitute(p.Message)
	ec.Log(step.ID, "%s", message)
	e.deps.Logger.Info("workflow log", "workflow_id", ec.WorkflowID, "step", step.ID, "message", message)
	result.Output["message"] = message
	return nil
}

type delayParams struct {
	DurationMS int64  `json:"duration_ms"`
	Duration   string `json:"duration,omitempty"`
}

func (e *Executor) stepDelay(ctx context.Context, step *models.WorkflowStep, result *models.StepResult) error {
	var p delayParams
	if err := decodeParams(step.Params, &p); err != nil {
		return err
	}
	d := time.Duration(p.DurationMS) * time.Millisecond
	if p.Duration != "" {
		parsed, err := time.ParseDuration(p.Duration)
		if err != nil {
			return errs.InvalidArguments("duration", err.Error())
		}
		d = parsed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
	}
	result.Output["slept_ms"] = d.Milliseconds()
	return nil
}

// stepCondition substitutes and evaluates the expression, then runs the
// chosen branch. A failed sub-step aborts the branch and fails the
// condition step.
func (e *Executor) stepCondition(ctx context.Context, step *models.WorkflowStep, ec *ExecutionContext, result *models.StepResult, depth int) error {
	verdict, err := EvaluateCondition(ec, step.Cond)
	if err != nil {
		return err
	}
	branch := step.ElseSteps
	branchName := "else"
	if verdict {
		branch = step.ThenSteps
		branchName = "then"
	}

	executed := 0
	for i := range branch {
		sub := e.executeStep(ctx, &branch[i], ec, depth+1)
		executed++
		if sub.Status == models.StepStatusFailed {
			result.Output["condition_result"] = verdict
			result.Output["branch"] = branchName
			result.Output["executed_steps"] = executed
			return errs.Logical(fmt.Sprintf("branch step %q failed", sub.StepID), nil)
		}
	}
	result.Output["condition_result"] = verdict
	result.Output["branch"] = branchName
	result.Output["executed_steps"] = executed
	return nil
}

// stepParallel runs sub-steps concurrently under a semaphore. One
// failure does not abort siblings; the parent aggregates counts and is
// failed iff any sub-step failed.
func (e *Executor) stepParallel(ctx context.Context, step *models.WorkflowStep, ec *ExecutionContext, result *models.StepResult, depth int) error {
	if len(step.Steps) == 0 {
		result.Output["succeeded"] = 0
		result.Output["failed"] = 0
		return nil
	}
	maxParallel := step.MaxParallel
	if maxParallel <= 0 {
		maxParallel = len(step.Steps)
	}
	sem := infra.NewSemaphore(int64(maxParallel))

	children := make([]*ExecutionContext, len(step.Steps))
	statuses := make([]models.StepStatus, len(step.Steps))
	var wg sync.WaitGroup
	for i := range step.Steps {
		wg.Add(1)
		children[i] = ec.child()
		go func(idx int) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				statuses[idx] = models.StepStatusFailed
				return
			}
			defer sem.Release(1)
			sub := e.executeStep(ctx, &step.Steps[idx], children[idx], depth+1)
			statuses[idx] = sub.Status
		}(i)
	}
	wg.Wait()

	succeeded, failed := 0, 0
	for i, status := range statuses {
		ec.merge(children[i])
		if status == models.StepStatusFailed {
			failed++
		} else {
			succeeded++
		}
	}
	result.Output["succeeded"] = succeeded
	result.Output["failed"] = failed
	if failed > 0 {
		return errs.Logical(fmt.Sprintf("%d of %d parallel steps failed", failed, len(step.Steps)), nil)
	}
	return nil
}

type sendAlertParams struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
	Category string `json:"category,omitempty"`
}

func (e *Executor) stepSendAlert(ctx context.Context, step *models.WorkflowStep, ec *ExecutionContext, result *models.StepResult) error {
	if e.deps.Messages == nil {
		return errs.Configuration("send_alert step requires the message manager", nil)
	}
	var p sendAlertParams
	if err := decodeParams(step.Params, &p); err != nil {
		return err
	}
	severity := models.Severity(p.Severity)
	if severity == "" {
		severity = models.SeverityWarning
	}
	msg, err := e.deps.Messages.Create(ctx, messages.CreateRequest{
		Category:   orDefault(p.Category, "workflow"),
		Severity:   severity,
		Title:      ec.Substitute(p.Title),
		Message:    ec.Substitute(p.Message),
		Source:     ec.WorkflowID,
		SourceType: "workflow",
	})
	if err != nil {
		return err
	}
	result.Output["message_id"] = msg.ID
	return nil
}

type deviceQueryParams struct {
	DeviceID string `json:"device_id"`
	Metric   string `json:"metric,omitempty"`
}

func (e *Executor) stepDeviceQuery(ctx context.Context, step *models.WorkflowStep, ec *ExecutionContext, result *models.StepResult) error {
	if e.deps.States == nil {
		return errs.Configuration("device_query step requires the device state store", nil)
	}
	var p deviceQueryParams
	if err := decodeParams(step.Params, &p); err != nil {
		return err
	}
	state, err := e.deps.States.Get(ctx, ec.Substitute(p.DeviceID))
	if err != nil {
		return err
	}
	result.Output["device_id"] = state.DeviceID
	result.Output["online"] = state.Online
	if p.Metric != "" {
		point, ok := state.Metrics[p.Metric]
		if !ok {
			return errs.NotFound("metric", p.Metric)
		}
		result.Output["value"] = point.Value.String()
		result.Output["quality"] = string(point.Quality)
	}
	return nil
}

type sendCommandParams struct {
	DeviceID string          `json:"device_id"`
	Command  string          `json:"command"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Topic    string          `json:"topic,omitempty"`
}

func (e *Executor) stepSendCommand(ctx context.Context, step *models.WorkflowStep, ec *ExecutionContext, result *models.StepResult) error {
	if e.deps.SendCommand == nil {
		return errs.Configuration("send_command step requires a command sender", nil)
	}
	var p sendCommandParams
	if err := decodeParams(step.Params, &p); err != nil {
		return err
	}
	err := e.deps.SendCommand(ctx, deviceadapters.Command{
		DeviceID: ec.Substitute(p.DeviceID),
		Name:     p.Command,
		Payload:  p.Payload,
		Topic:    p.Topic,
	})
	if err != nil {
		return err
	}
	result.Output["sent"] = true
	return nil
}

type waitForDeviceStateParams struct {
	DeviceID  string `json:"device_id"`
	Metric    string `json:"metric,omitempty"`
	Equals    string `json:"equals,omitempty"`
	Online    *bool  `json:"online,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	PollMS    int64  `json:"poll_ms,omitempty"`
}

func (e *Executor) stepWaitForDeviceState(ctx context.Context, step *models.WorkflowStep, ec *ExecutionContext, result *models.StepResult) error {
	if e.deps.States == nil {
		return errs.Configuration("wait_for_device_state step requires the device state store", nil)
	}
	var p waitForDeviceStateParams
	if err := decodeParams(step.Params, &p); err != nil {
		return err
	}
	timeout := time.Duration(p.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	poll := time.Duration(p.PollMS) * time.Millisecond
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deviceID := ec.Substitute(p.DeviceID)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		state, err := e.deps.States.Get(waitCtx, deviceID)
		if err == nil && e.stateMatches(state, p) {
			result.Output["matched"] = true
			return nil
		}
		select {
		case <-waitCtx.Done():
			return errs.Transient("timeout waiting for device state", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Executor) stateMatches(state *models.DeviceState, p waitForDeviceStateParams) bool {
	if p.Online != nil && state.Online != *p.Online {
		return false
	}
	if p.Metric != "" {
		point, ok := state.Metrics[p.Metric]
		if !ok || point.Value.String() != p.Equals {
			return false
		}
	}
	return true
}

type wasmParams struct {
	Module string          `json:"module"`
	Input  json.RawMessage `json:"input,omitempty"`
}

func (e *Executor) stepExecuteWasm(ctx context.Context, step *models.WorkflowStep, ec *ExecutionContext, result *models.StepResult) error {
	if e.deps.Wasm == nil {
		return errs.Configuration("execute_wasm step requires a wasm runner", nil)
	}
	var p wasmParams
	if err := decodeParams(step.Params, &p); err != nil {
		return err
	}
	output, err := e.deps.Wasm.Execute(ctx, p.Module, []byte(ec.Substitute(string(p.Input))))
	if err != nil {
		return err
	}
	result.Output["output"] = string(output)
	return nil
}

type httpRequestParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (e *Executor) stepHTTPRequest(ctx context.Context, step *models.WorkflowStep, ec *ExecutionContext, result *models.StepResult) error {
	var p httpRequestParams
	if err := decodeParams(step.Params, &p); err != nil {
		return err
	}
	method := orDefault(p.Method, http.MethodGet)
	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(ec.Substitute(p.Body))
	}
	req, err := http.NewRequestWithContext(ctx, method, ec.Substitute(p.URL), body)
	if err != nil {
		return errs.InvalidArguments("url", err.Error())
	}
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}
	resp, err := e.deps.HTTPClient.Do(req)
	if err != nil {
		return errs.Transient("http request", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.Transient("read response", err)
	}
	result.Output["status"] = resp.StatusCode
	result.Output["body"] = string(data)
	if resp.StatusCode >= 400 {
		return errs.Logical(fmt.Sprintf("http status %d", resp.StatusCode), nil)
	}
	return nil
}

type imageProcessParams struct {
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params,omitempty"`
}

func (e *Executor) stepImageProcess(ctx context.Context, step *models.WorkflowStep, result *models.StepResult) error {
	if e.deps.Images == nil {
		return errs.Configuration("image_process step requires an image processor", nil)
	}
	var p imageProcessParams
	if err := decodeParams(step.Params, &p); err != nil {
		return err
	}
	output, err := e.deps.Images.Process(ctx, p.Operation, p.Params)
	if err != nil {
		return err
	}
	for key, value := range output {
		result.Output[key] = value
	}
	return nil
}

type dataQueryParams struct {
	DeviceID string `json:"device_id"`
	Metric   string `json:"metric"`
	Limit    int    `json:"limit,omitempty"`
	SinceMS  int64  `json:"since_ms,omitempty"`
}

func (e *Executor) stepDataQuery(ctx context.Context, step *models.WorkflowStep, ec *ExecutionContext, result *models.StepResult) error {
	if e.deps.Series == nil {
		return errs.Configuration("data_query step requires the time-series store", nil)
	}
	var p dataQueryParams
	if err := decodeParams(step.Params, &p); err != nil {
		return err
	}
	opts := timeseries.QueryOptions{Limit: p.Limit}
	if p.SinceMS > 0 {
		opts.From = time.Now().Add(-time.Duration(p.SinceMS) * time.Millisecond)
	}
	points, err := e.deps.Series.Query(ctx, ec.Substitute(p.DeviceID), p.Metric, opts)
	if err != nil {
		return err
	}
	values := make([]string, len(points))
	for i, point := range points {
		values[i] = point.Value.String()
	}
	result.Output["count"] = len(points)
	result.Output["values"] = values
	if len(points) > 0 {
		result.Output["value"] = values[len(values)-1]
	}
	return nil
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errs.Serialization("step params", err)
	}
	return nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
