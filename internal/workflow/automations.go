package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/internal/eventbus"
	"github.com/edgemind/edgemind/pkg/models"
)

// AutomationStore persists automations.
type AutomationStore interface {
	SaveAutomation(ctx context.Context, automation *models.Automation) error
	GetAutomation(ctx context.Context, id string) (*models.Automation, error)
	ListAutomations(ctx context.Context) ([]*models.Automation, error)
	DeleteAutomation(ctx context.Context, id string) error
}

// MemoryAutomationStore keeps automations in memory.
type MemoryAutomationStore struct {
	mu          sync.RWMutex
	automations map[string]*models.Automation
}

// NewMemoryAutomationStore returns an empty in-memory automation store.
func NewMemoryAutomationStore() *MemoryAutomationStore {
	return &MemoryAutomationStore{automations: make(map[string]*models.Automation)}
}

func (s *MemoryAutomationStore) SaveAutomation(_ context.Context, automation *models.Automation) error {
	if automation == nil {
		return errs.InvalidArguments("automation", "must not be nil")
	}
	if automation.ID == "" {
		automation.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *automation
	s.automations[automation.ID] = &stored
	return nil
}

func (s *MemoryAutomationStore) GetAutomation(_ context.Context, id string) (*models.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	automation, ok := s.automations[id]
	if !ok {
		return nil, errs.NotFound("automation", id)
	}
	out := *automation
	return &out, nil
}

func (s *MemoryAutomationStore) ListAutomations(_ context.Context) ([]*models.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Automation, 0, len(s.automations))
	for _, automation := range s.automations {
		copy := *automation
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryAutomationStore) DeleteAutomation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.automations[id]; !ok {
		return errs.NotFound("automation", id)
	}
	delete(s.automations, id)
	return nil
}

// CockroachAutomationStore persists automations in SQL.
type CockroachAutomationStore struct {
	db *sql.DB
}

// NewCockroachAutomationStore wraps an existing connection pool.
func NewCockroachAutomationStore(db *sql.DB) *CockroachAutomationStore {
	return &CockroachAutomationStore{db: db}
}

// EnsureSchema creates the automations table if missing.
func (s *CockroachAutomationStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS automations (
			id   TEXT PRIMARY KEY,
			body JSONB NOT NULL
		)
	`)
	if err != nil {
		return errs.Storage("ensure automation schema", err)
	}
	return nil
}

func (s *CockroachAutomationStore) SaveAutomation(ctx context.Context, automation *models.Automation) error {
	if automation == nil {
		return errs.InvalidArguments("automation", "must not be nil")
	}
	if automation.ID == "" {
		automation.ID = uuid.NewString()
	}
	body, err := json.Marshal(automation)
	if err != nil {
		return errs.Serialization("encode automation", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automations (id, body) VALUES ($1,$2)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body
	`, automation.ID, body)
	if err != nil {
		return errs.Storage("save automation", err)
	}
	return nil
}

func (s *CockroachAutomationStore) GetAutomation(ctx context.Context, id string) (*models.Automation, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM automations WHERE id = $1`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("automation", id)
	}
	if err != nil {
		return nil, errs.Storage("get automation", err)
	}
	var automation models.Automation
	if err := json.Unmarshal(body, &automation); err != nil {
		return nil, errs.Serialization("decode automation", err)
	}
	return &automation, nil
}

func (s *CockroachAutomationStore) ListAutomations(ctx context.Context) ([]*models.Automation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM automations ORDER BY id`)
	if err != nil {
		return nil, errs.Storage("list automations", err)
	}
	defer rows.Close()
	var out []*models.Automation
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, errs.Storage("scan automation", err)
		}
		var automation models.Automation
		if err := json.Unmarshal(body, &automation); err != nil {
			return nil, errs.Serialization("decode automation", err)
		}
		out = append(out, &automation)
	}
	return out, rows.Err()
}

func (s *CockroachAutomationStore) DeleteAutomation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automations WHERE id = $1`, id)
	if err != nil {
		return errs.Storage("delete automation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("automation", id)
	}
	return nil
}

// TriggerEngine subscribes to device metric events and fires enabled
// rule automations whose trigger matches. A rule's trigger is
// "device_id/metric" ("*" wildcards either side); its condition, when
// set, is evaluated with ${value} bound to the metric value.
type TriggerEngine struct {
	store    AutomationStore
	executor *Executor
	bus      *eventbus.Bus
	logger   *slog.Logger
}

// NewTriggerEngine creates the engine.
func NewTriggerEngine(store AutomationStore, executor *Executor, bus *eventbus.Bus, logger *slog.Logger) *TriggerEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerEngine{store: store, executor: executor, bus: bus, logger: logger}
}

// Run consumes device metric events until the context ends.
func (e *TriggerEngine) Run(ctx context.Context) {
	sub := e.bus.SubscribeFiltered(func(ev eventbus.Event) bool {
		return ev.Type == eventbus.TypeDeviceMetric
	})
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.Events():
			if !ok {
				return
			}
			e.handleMetric(ctx, d.Event.DeviceMetric)
		}
	}
}

func (e *TriggerEngine) handleMetric(ctx context.Context, metric *eventbus.DeviceMetricPayload) {
	if metric == nil {
		return
	}
	automations, err := e.store.ListAutomations(ctx)
	if err != nil {
		e.logger.Warn("listing automations failed", "error", err)
		return
	}
	for _, automation := range automations {
		if !automation.Enabled || automation.Kind != models.AutomationRule || automation.Rule == nil {
			continue
		}
		if !triggerMatches(automation.Rule.Trigger, metric.DeviceID, metric.Metric) {
			continue
		}
		e.fire(ctx, automation, metric)
	}
}

func (e *TriggerEngine) fire(ctx context.Context, automation *models.Automation, metric *eventbus.DeviceMetricPayload) {
	ec := NewExecutionContext("rule:"+automation.ID, uuid.NewString())
	ec.SetVariable("device_id", metric.DeviceID)
	ec.SetVariable("metric", metric.Metric)
	if value, ok := metric.Value.(models.MetricValue); ok {
		ec.SetVariable("value", value.String())
	}

	if cond := automation.Rule.Condition; cond != "" {
		verdict, err := EvaluateCondition(ec, cond)
		if err != nil {
			e.logger.Warn("rule condition failed", "automation", automation.ID, "error", err)
			return
		}
		if !verdict {
			return
		}
	}

	e.logger.Info("rule triggered", "automation", automation.ID, "device_id", metric.DeviceID, "metric", metric.Metric)
	e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeRuleTriggered,
		RuleTriggered: &eventbus.RuleTriggeredPayload{
			RuleID:    automation.ID,
			RuleName:  automation.Name,
			Timestamp: time.Now(),
		},
	}, eventbus.Metadata{Source: "automations"})

	if len(automation.Rule.Actions) > 0 {
		e.bus.Publish(eventbus.Event{
			Type: eventbus.TypeWorkflowTriggered,
			WorkflowTriggered: &eventbus.WorkflowTriggeredPayload{
				WorkflowID:  "rule:" + automation.ID,
				ExecutionID: ec.ExecutionID,
				Timestamp:   time.Now(),
			},
		}, eventbus.Metadata{Source: "automations"})
		wf := &models.Workflow{
			ID:    "rule:" + automation.ID,
			Name:  automation.Name,
			Steps: automation.Rule.Actions,
		}
		if _, err := e.executor.Execute(ctx, wf, ec); err != nil {
			e.logger.Warn("rule actions failed", "automation", automation.ID, "error", err)
		}
	}

	now := time.Now()
	automation.ExecutionCount++
	automation.LastExecuted = &now
	if err := e.store.SaveAutomation(ctx, automation); err != nil {
		e.logger.Warn("recording rule execution failed", "automation", automation.ID, "error", err)
	}
}

// triggerMatches checks a "device/metric" pattern with "*" wildcards.
func triggerMatches(trigger, deviceID, metric string) bool {
	parts := strings.SplitN(trigger, "/", 2)
	devicePattern := parts[0]
	metricPattern := "*"
	if len(parts) == 2 {
		metricPattern = parts[1]
	}
	matches := func(pattern, value string) bool {
		return pattern == "*" || pattern == value
	}
	return matches(devicePattern, deviceID) && matches(metricPattern, metric)
}
