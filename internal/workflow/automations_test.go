package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/edgemind/edgemind/internal/eventbus"
	"github.com/edgemind/edgemind/internal/messages"
	"github.com/edgemind/edgemind/pkg/models"
)

func TestAutomationStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAutomationStore()

	automation := &models.Automation{
		Name:    "hot pump",
		Kind:    models.AutomationRule,
		Enabled: true,
		Rule: &models.RuleSpec{
			Trigger:   "pump-1/temperature",
			Condition: "${value} > 70",
		},
	}
	if err := store.SaveAutomation(ctx, automation); err != nil {
		t.Fatal(err)
	}
	if automation.ID == "" {
		t.Fatal("save must assign an id")
	}

	got, err := store.GetAutomation(ctx, automation.ID)
	if err != nil || got.Name != "hot pump" {
		t.Fatalf("get wrong: %+v err=%v", got, err)
	}
	list, _ := store.ListAutomations(ctx)
	if len(list) != 1 {
		t.Fatalf("list wrong: %d", len(list))
	}
	if err := store.DeleteAutomation(ctx, automation.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetAutomation(ctx, automation.ID); err == nil {
		t.Fatal("deleted automation still readable")
	}
}

func TestTriggerMatches(t *testing.T) {
	cases := []struct {
		trigger string
		device  string
		metric  string
		want    bool
	}{
		{"pump-1/temperature", "pump-1", "temperature", true},
		{"pump-1/temperature", "pump-1", "humidity", false},
		{"*/temperature", "any", "temperature", true},
		{"pump-1/*", "pump-1", "anything", true},
		{"pump-1", "pump-1", "anything", true},
		{"*", "x", "y", true},
	}
	for _, tc := range cases {
		if got := triggerMatches(tc.trigger, tc.device, tc.metric); got != tc.want {
			t.Errorf("triggerMatches(%q,%q,%q) = %v", tc.trigger, tc.device, tc.metric, got)
		}
	}
}

func TestTriggerEngine_FiresRule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New()
	defer bus.Close()
	store := NewMemoryAutomationStore()
	manager := messages.NewManager(messages.NewMemoryStore(), nil, nil)
	executor := NewExecutor(Deps{Messages: manager})

	automation := &models.Automation{
		Name:    "overheat",
		Kind:    models.AutomationRule,
		Enabled: true,
		Rule: &models.RuleSpec{
			Trigger:   "pump-1/temperature",
			Condition: "${value} > 70",
			Actions: []models.WorkflowStep{{
				ID:     "alert",
				Kind:   models.StepSendAlert,
				Params: []byte(`{"title": "overheat", "message": "pump at ${value}"}`),
			}},
		},
	}
	_ = store.SaveAutomation(ctx, automation)

	engine := NewTriggerEngine(store, executor, bus, nil)
	go engine.Run(ctx)

	ruleEvents := bus.SubscribeFiltered(eventbus.RuleEvents)
	defer ruleEvents.Unsubscribe()

	time.Sleep(20 * time.Millisecond) // let the engine subscribe

	// Below threshold: no fire.
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeDeviceMetric,
		DeviceMetric: &eventbus.DeviceMetricPayload{
			DeviceID: "pump-1", Metric: "temperature",
			Value: models.NewFloatMetric(50),
		},
	}, eventbus.Metadata{})

	// Above threshold: fires.
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeDeviceMetric,
		DeviceMetric: &eventbus.DeviceMetricPayload{
			DeviceID: "pump-1", Metric: "temperature",
			Value: models.NewFloatMetric(85),
		},
	}, eventbus.Metadata{})

	select {
	case d := <-ruleEvents.Events():
		if d.Event.RuleTriggered.RuleID != automation.ID {
			t.Errorf("wrong rule fired: %+v", d.Event.RuleTriggered)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rule never fired")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		alerts, _ := manager.List(ctx, messages.Filter{})
		if len(alerts) == 1 {
			if alerts[0].Message != "pump at 85" {
				t.Errorf("action substitution wrong: %q", alerts[0].Message)
			}
			got, _ := store.GetAutomation(ctx, automation.ID)
			if got.ExecutionCount < 1 || got.LastExecuted == nil {
				t.Errorf("execution metadata not recorded: %+v", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("rule action never ran")
}
