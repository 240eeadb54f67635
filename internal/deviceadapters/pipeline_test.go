package deviceadapters

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edgemind/edgemind/internal/devicestate"
	"github.com/edgemind/edgemind/internal/eventbus"
	"github.com/edgemind/edgemind/internal/extract"
	"github.com/edgemind/edgemind/internal/timeseries"
)

func newPipeline(t *testing.T) (*Pipeline, devicestate.Store, *timeseries.MemoryStore, *eventbus.Bus) {
	t.Helper()
	states := devicestate.NewMemoryStore()
	series := timeseries.NewMemoryStore()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	p := &Pipeline{
		Extractor: extract.New(states, extract.DefaultConfig(), nil),
		States:    states,
		Series:    series,
		Bus:       bus,
	}
	return p, states, series, bus
}

func TestPipeline_MetricFlow(t *testing.T) {
	ctx := context.Background()
	p, states, series, bus := newPipeline(t)

	sub := bus.SubscribeFiltered(eventbus.DeviceEvents)
	defer sub.Unsubscribe()

	err := p.Handle(ctx, "mqtt:test", DeviceEvent{
		Kind:       DeviceEventMetric,
		DeviceID:   "dev-1",
		DeviceType: "dht22",
		Payload:    json.RawMessage(`{"temperature": 21.5, "humidity": 55}`),
		Timestamp:  time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	// State store: device created online with both metrics.
	state, err := states.Get(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if !state.Online {
		t.Error("metric arrival should mark device online")
	}
	if _, ok := state.Metrics["temperature"]; !ok {
		t.Error("temperature metric missing from state")
	}

	// Time-series: samples recorded, _raw excluded.
	points, _ := series.Query(ctx, "dev-1", "temperature", timeseries.QueryOptions{})
	if len(points) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(points))
	}
	if raw, _ := series.Query(ctx, "dev-1", extract.RawMetricName, timeseries.QueryOptions{}); len(raw) != 0 {
		t.Error("_raw must not be recorded as a time series")
	}

	// Bus: one DeviceMetric event per sample.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case d := <-sub.Events():
			ev := d.Event
			if ev.Type != eventbus.TypeDeviceMetric {
				t.Fatalf("unexpected event type %s", ev.Type)
			}
			seen[ev.DeviceMetric.Metric] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for bus events")
		}
	}
	if !seen["temperature"] || !seen["humidity"] {
		t.Errorf("expected metric events for both metrics, got %v", seen)
	}
}

func TestPipeline_OnlineOffline(t *testing.T) {
	ctx := context.Background()
	p, states, _, bus := newPipeline(t)

	sub := bus.SubscribeFiltered(eventbus.DeviceEvents)
	defer sub.Unsubscribe()

	if err := p.Handle(ctx, "test", DeviceEvent{
		Kind:       DeviceEventOnline,
		DeviceID:   "dev-1",
		DeviceType: "cam",
	}); err != nil {
		t.Fatal(err)
	}
	state, _ := states.Get(ctx, "dev-1")
	if !state.Online {
		t.Fatal("device should be online")
	}

	if err := p.Handle(ctx, "test", DeviceEvent{
		Kind:     DeviceEventOffline,
		DeviceID: "dev-1",
		Reason:   "lease expired",
	}); err != nil {
		t.Fatal(err)
	}
	state, _ = states.Get(ctx, "dev-1")
	if state.Online {
		t.Fatal("device should be offline")
	}

	// First event on the bus is the online, second the offline.
	d := <-sub.Events()
	if d.Event.Type != eventbus.TypeDeviceOnline {
		t.Errorf("expected online event first, got %s", d.Event.Type)
	}
	d = <-sub.Events()
	if d.Event.Type != eventbus.TypeDeviceOffline || d.Event.DeviceOffline.Reason != "lease expired" {
		t.Errorf("unexpected offline event: %+v", d.Event)
	}
}

func TestPipeline_OfflineForUnknownDeviceFails(t *testing.T) {
	ctx := context.Background()
	p, _, _, _ := newPipeline(t)
	err := p.Handle(ctx, "test", DeviceEvent{Kind: DeviceEventOffline, DeviceID: "ghost"})
	if err == nil {
		t.Fatal("offline for an unknown device should surface not-found")
	}
}
