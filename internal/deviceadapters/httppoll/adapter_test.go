package httppoll

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgemind/edgemind/internal/deviceadapters"
)

func TestAdapter_PollsAndEmits(t *testing.T) {
	var polls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"temperature": 21.5})
	}))
	defer server.Close()

	adapter := New(Config{
		Devices: []DeviceConfig{{
			DeviceID:     "dev-1",
			DeviceType:   "dht22",
			URL:          server.URL,
			PollInterval: 50 * time.Millisecond,
		}},
		Tick: 10 * time.Millisecond,
	}, nil)

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer adapter.Stop(context.Background())

	select {
	case ev := <-adapter.Events():
		if ev.Kind != deviceadapters.DeviceEventMetric || ev.DeviceID != "dev-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		var payload map[string]any
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload["temperature"] != 21.5 {
			t.Errorf("unexpected payload: %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no poll event arrived")
	}
	if polls.Load() == 0 {
		t.Fatal("server never polled")
	}
}

func TestAdapter_DataPathSelectsSubtree(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"meta": map[string]any{"firmware": "1.2"},
			"data": map[string]any{"humidity": 60},
		})
	}))
	defer server.Close()

	adapter := New(Config{
		Devices: []DeviceConfig{{
			DeviceID:     "dev-1",
			URL:          server.URL,
			PollInterval: 30 * time.Millisecond,
			DataPath:     "data",
		}},
		Tick: 10 * time.Millisecond,
	}, nil)
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer adapter.Stop(context.Background())

	select {
	case ev := <-adapter.Events():
		var payload map[string]any
		_ = json.Unmarshal(ev.Payload, &payload)
		if _, ok := payload["humidity"]; !ok {
			t.Errorf("data_path subtree not applied: %v", payload)
		}
		if _, ok := payload["meta"]; ok {
			t.Errorf("data_path should strip sibling keys: %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no poll event arrived")
	}
}

func TestAdapter_OfflineAfterConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	adapter := New(Config{
		Devices: []DeviceConfig{{
			DeviceID:     "dev-1",
			URL:          server.URL,
			PollInterval: 20 * time.Millisecond,
		}},
		Tick:                 10 * time.Millisecond,
		OfflineAfterFailures: 2,
	}, nil)
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer adapter.Stop(context.Background())

	// Never goes offline without first having been online, so prime it.
	adapter.mu.Lock()
	adapter.polled["dev-1"].online = true
	adapter.mu.Unlock()

	select {
	case ev := <-adapter.Events():
		if ev.Kind != deviceadapters.DeviceEventOffline {
			t.Fatalf("expected offline event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device never marked offline")
	}
}

func TestAdapter_StartStopIdempotent(t *testing.T) {
	adapter := New(Config{}, nil)
	ctx := context.Background()
	if err := adapter.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Start(ctx); err != nil {
		t.Fatal("second start must be a no-op")
	}
	if err := adapter.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Stop(ctx); err != nil {
		t.Fatal("second stop must be a no-op")
	}
}

func TestAdapter_SendCommand(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := New(Config{
		Devices: []DeviceConfig{{
			DeviceID:     "dev-1",
			URL:          server.URL,
			PollInterval: time.Hour,
			CommandURL:   server.URL + "/cmd",
		}},
	}, nil)

	err := adapter.SendCommand(context.Background(), deviceadapters.Command{
		DeviceID: "dev-1",
		Name:     "set_mode",
		Payload:  json.RawMessage(`{"mode": "eco"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if received["command"] != "set_mode" {
		t.Errorf("command body wrong: %v", received)
	}
}

func TestAdapter_UnsubscribeStopsPolling(t *testing.T) {
	adapter := New(Config{
		Devices: []DeviceConfig{{DeviceID: "dev-1", URL: "http://unreachable.invalid", PollInterval: time.Hour}},
	}, nil)

	if err := adapter.UnsubscribeDevice(context.Background(), "dev-1"); err != nil {
		t.Fatal(err)
	}
	if err := adapter.SubscribeDevice(context.Background(), "dev-1"); err == nil {
		t.Fatal("resubscribing a removed device without config should fail")
	}
}
