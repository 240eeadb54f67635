package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgemind/edgemind/internal/deviceadapters"
	"github.com/edgemind/edgemind/internal/devicestate"
	"github.com/edgemind/edgemind/internal/messages"
	"github.com/edgemind/edgemind/internal/timeseries"
	"github.com/edgemind/edgemind/pkg/models"
)

func testExecutor(t *testing.T) (*Executor, *messages.Manager, *devicestate.MemoryStore, *timeseries.MemoryStore) {
	t.Helper()
	states := devicestate.NewMemoryStore()
	series := timeseries.NewMemoryStore()
	manager := messages.NewManager(messages.NewMemoryStore(), nil, nil)
	executor := NewExecutor(Deps{
		Messages: manager,
		States:   states,
		Series:   series,
	})
	return executor, manager, states, series
}

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestSubstitute(t *testing.T) {
	ec := NewExecutionContext("wf-1", "run-1")
	ec.SetVariable("site", "plant-a")
	ec.RecordResult(&models.StepResult{
		StepID: "q",
		Status: models.StepStatusCompleted,
		Output: map[string]any{"value": 35, "quality": "good"},
	})

	cases := map[string]string{
		"${q.value} > 30":     "35 > 30",
		"site=${site}":        "site=plant-a",
		"${q}":                "35",
		"${q.quality}":        "good",
		"${missing} stays":    "${missing} stays",
		"no refs":             "no refs",
	}
	for template, want := range cases {
		if got := ec.Substitute(template); got != want {
			t.Errorf("Substitute(%q) = %q, want %q", template, got, want)
		}
	}
}

func TestEvaluateCondition(t *testing.T) {
	ec := NewExecutionContext("wf-1", "run-1")
	ec.RecordResult(&models.StepResult{
		StepID: "q",
		Output: map[string]any{"value": 35},
	})

	cases := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"False", false},
		{"${q.value} > 30", true},
		{"${q.value} < 30", false},
		{"${q.value} == 35", true},
		{"${q.value} != 35", false},
		{"hello == hello", true},
		{"non-empty-string", true},
		{"0", false},
	}
	for _, tc := range cases {
		got, err := EvaluateCondition(ec, tc.expr)
		if err != nil {
			t.Fatalf("%q: %v", tc.expr, err)
		}
		if got != tc.want {
			t.Errorf("EvaluateCondition(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}

	// Ordered comparison with non-numeric operands errors.
	if _, err := EvaluateCondition(ec, "apple > banana"); err == nil {
		t.Error("non-numeric ordered comparison must error")
	}
}

func TestConditionBranching(t *testing.T) {
	executor, manager, _, _ := testExecutor(t)
	ec := NewExecutionContext("wf-1", "run-1")
	ec.RecordResult(&models.StepResult{StepID: "q", Output: map[string]any{"value": 35}})

	step := &models.WorkflowStep{
		ID:   "check",
		Kind: models.StepCondition,
		Cond: "${q.value} > 30",
		ThenSteps: []models.WorkflowStep{{
			ID:     "alert",
			Kind:   models.StepSendAlert,
			Params: params(t, sendAlertParams{Title: "hot", Message: "temp is ${q.value}"}),
		}},
		ElseSteps: []models.WorkflowStep{{
			ID:     "log",
			Kind:   models.StepLog,
			Params: params(t, logParams{Message: "ok"}),
		}},
	}

	result := executor.ExecuteStep(context.Background(), step, ec)
	if result.Status != models.StepStatusCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	if result.Output["condition_result"] != true || result.Output["branch"] != "then" || result.Output["executed_steps"] != 1 {
		t.Errorf("unexpected output: %+v", result.Output)
	}

	alerts, _ := manager.List(context.Background(), messages.Filter{})
	if len(alerts) != 1 || alerts[0].Title != "hot" {
		t.Fatalf("alert not sent: %+v", alerts)
	}
	if alerts[0].Message != "temp is 35" {
		t.Errorf("template not substituted: %q", alerts[0].Message)
	}
}

func TestConditionBranchFailureAborts(t *testing.T) {
	executor, _, _, _ := testExecutor(t)
	ec := NewExecutionContext("wf-1", "run-1")

	step := &models.WorkflowStep{
		ID:   "check",
		Kind: models.StepCondition,
		Cond: "true",
		ThenSteps: []models.WorkflowStep{
			{ID: "bad", Kind: models.StepDeviceQuery, Params: params(t, deviceQueryParams{DeviceID: "ghost"})},
			{ID: "never", Kind: models.StepLog, Params: params(t, logParams{Message: "unreachable"})},
		},
	}
	result := executor.ExecuteStep(context.Background(), step, ec)
	if result.Status != models.StepStatusFailed {
		t.Fatal("failed branch step must fail the condition step")
	}
	if _, ran := ec.Result("never"); ran {
		t.Error("branch must abort after the failed sub-step")
	}
}

func TestParallelAggregatesWithoutAborting(t *testing.T) {
	executor, _, states, _ := testExecutor(t)
	_ = states.Save(context.Background(), &models.DeviceState{
		DeviceID: "dev-1", DeviceType: "x", Metrics: map[string]models.MetricPoint{},
	})
	ec := NewExecutionContext("wf-1", "run-1")

	step := &models.WorkflowStep{
		ID:   "par",
		Kind: models.StepParallel,
		Steps: []models.WorkflowStep{
			{ID: "ok-1", Kind: models.StepLog, Params: params(t, logParams{Message: "a"})},
			{ID: "bad", Kind: models.StepDeviceQuery, Params: params(t, deviceQueryParams{DeviceID: "ghost"})},
			{ID: "ok-2", Kind: models.StepDeviceQuery, Params: params(t, deviceQueryParams{DeviceID: "dev-1"})},
		},
	}
	result := executor.ExecuteStep(context.Background(), step, ec)
	if result.Status != models.StepStatusFailed {
		t.Fatal("parent must report failure when any sub-step failed")
	}
	if result.Output["succeeded"] != 2 || result.Output["failed"] != 1 {
		t.Errorf("aggregate counts wrong: %+v", result.Output)
	}
	// Sibling results merged back into the parent context.
	if _, ok := ec.Result("ok-2"); !ok {
		t.Error("sibling result not merged into parent context")
	}
}

func TestParallelRespectsMaxParallel(t *testing.T) {
	var current, peak atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := current.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
	}))
	defer server.Close()

	executor := NewExecutor(Deps{})
	var subs []models.WorkflowStep
	for i := 0; i < 6; i++ {
		subs = append(subs, models.WorkflowStep{
			ID: "http-" + string(rune('a'+i)), Kind: models.StepHTTPRequest,
			Params: json.RawMessage(`{"url": "` + server.URL + `"}`),
		})
	}
	step := &models.WorkflowStep{ID: "par", Kind: models.StepParallel, Steps: subs, MaxParallel: 2}

	result := executor.ExecuteStep(context.Background(), step, NewExecutionContext("wf", "run"))
	if result.Status != models.StepStatusCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	if peak.Load() > 2 {
		t.Errorf("semaphore violated: peak concurrency %d", peak.Load())
	}
}

func TestNestingDepthGuard(t *testing.T) {
	executor, _, _, _ := testExecutor(t)

	// Build a condition chain deeper than the guard allows.
	leaf := models.WorkflowStep{ID: "leaf", Kind: models.StepLog, Params: json.RawMessage(`{"message": "deep"}`)}
	step := leaf
	for i := 0; i < MaxNestingDepth+2; i++ {
		step = models.WorkflowStep{
			ID:        "nest",
			Kind:      models.StepCondition,
			Cond:      "true",
			ThenSteps: []models.WorkflowStep{step},
		}
	}

	result := executor.ExecuteStep(context.Background(), &step, NewExecutionContext("wf", "run"))
	if result.Status != models.StepStatusFailed {
		t.Fatal("exceeding max nesting depth must fail the step")
	}
}

func TestDataQueryStep(t *testing.T) {
	executor, _, _, series := testExecutor(t)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 3; i++ {
		_ = series.Append(ctx, models.TimeSeriesPoint{
			DeviceID: "dev-1", Metric: "temp",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Value:     models.NewIntegerMetric(int64(20 + i)),
		})
	}

	step := &models.WorkflowStep{
		ID:     "q",
		Kind:   models.StepDataQuery,
		Params: params(t, dataQueryParams{DeviceID: "dev-1", Metric: "temp"}),
	}
	ec := NewExecutionContext("wf", "run")
	result := executor.ExecuteStep(ctx, step, ec)
	if result.Status != models.StepStatusCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	if result.Output["count"] != 3 || result.Output["value"] != "22" {
		t.Errorf("unexpected output: %+v", result.Output)
	}

	// The recorded result feeds later templates.
	if got := ec.Substitute("latest=${q.value}"); got != "latest=22" {
		t.Errorf("substitution from data query wrong: %q", got)
	}
}

func TestSendCommandStep(t *testing.T) {
	var sent deviceadapters.Command
	executor := NewExecutor(Deps{
		SendCommand: func(_ context.Context, cmd deviceadapters.Command) error {
			sent = cmd
			return nil
		},
	})
	step := &models.WorkflowStep{
		ID:   "cmd",
		Kind: models.StepSendCommand,
		Params: params(t, sendCommandParams{
			DeviceID: "dev-1", Command: "reboot", Payload: json.RawMessage(`{"delay": 5}`),
		}),
	}
	result := executor.ExecuteStep(context.Background(), step, NewExecutionContext("wf", "run"))
	if result.Status != models.StepStatusCompleted {
		t.Fatalf("status = %s (%s)", result.Status, result.Error)
	}
	if sent.DeviceID != "dev-1" || sent.Name != "reboot" {
		t.Errorf("command not dispatched: %+v", sent)
	}
}

func TestWaitForDeviceState(t *testing.T) {
	executor, _, states, _ := testExecutor(t)
	ctx := context.Background()
	_ = states.Save(ctx, &models.DeviceState{
		DeviceID: "dev-1", DeviceType: "x", Metrics: map[string]models.MetricPoint{},
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = states.UpdateMetric(ctx, "dev-1", "mode", models.MetricPoint{
			Value: models.NewStringMetric("ready"),
		})
	}()

	step := &models.WorkflowStep{
		ID:   "wait",
		Kind: models.StepWaitForDeviceState,
		Params: params(t, waitForDeviceStateParams{
			DeviceID: "dev-1", Metric: "mode", Equals: "ready",
			TimeoutMS: 2000, PollMS: 10,
		}),
	}
	result := executor.ExecuteStep(ctx, step, NewExecutionContext("wf", "run"))
	if result.Status != models.StepStatusCompleted {
		t.Fatalf("wait should succeed once the metric lands: %s", result.Error)
	}

	// Missing state times out with a transient error.
	step = &models.WorkflowStep{
		ID:   "wait-timeout",
		Kind: models.StepWaitForDeviceState,
		Params: params(t, waitForDeviceStateParams{
			DeviceID: "ghost", TimeoutMS: 100, PollMS: 10,
		}),
	}
	result = executor.ExecuteStep(ctx, step, NewExecutionContext("wf", "run"))
	if result.Status != models.StepStatusFailed {
		t.Fatal("wait on a missing device must time out")
	}
}

func TestExecuteWorkflowSequence(t *testing.T) {
	executor, _, _, _ := testExecutor(t)
	wf := &models.Workflow{
		ID:   "wf-1",
		Name: "demo",
		Steps: []models.WorkflowStep{
			{ID: "one", Kind: models.StepLog, Params: json.RawMessage(`{"message": "first"}`)},
			{ID: "two", Kind: models.StepLog, Params: json.RawMessage(`{"message": "second"}`)},
		},
	}
	run, err := executor.Execute(context.Background(), wf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(run.Results) != 2 || run.Failed != 0 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if len(run.Context.Logs()) != 2 {
		t.Errorf("expected 2 log entries, got %d", len(run.Context.Logs()))
	}
}
