package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edgemind/edgemind/internal/deviceadapters"
)

func startedAdapter(t *testing.T, config Config) *Adapter {
	t.Helper()
	adapter := New(config, nil)
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = adapter.Stop(context.Background()) })
	return adapter
}

func TestAdapter_AcceptsPayload(t *testing.T) {
	adapter := startedAdapter(t, Config{PathPrefix: "/hooks", DefaultDeviceType: "generic"})
	server := httptest.NewServer(adapter.Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/hooks/dev-1", "application/json",
		strings.NewReader(`{"temperature": 19}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	select {
	case ev := <-adapter.Events():
		if ev.Kind != deviceadapters.DeviceEventMetric || ev.DeviceID != "dev-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.DeviceType != "generic" {
			t.Errorf("default device type not applied: %q", ev.DeviceType)
		}
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
}

func TestAdapter_RejectsBadRequests(t *testing.T) {
	adapter := startedAdapter(t, Config{PathPrefix: "/hooks", Token: "secret"})
	server := httptest.NewServer(adapter.Handler())
	defer server.Close()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		auth   string
		want   int
	}{
		{"missing token", http.MethodPost, "/hooks/dev-1", `{}`, "", http.StatusUnauthorized},
		{"wrong method", http.MethodGet, "/hooks/dev-1", ``, "Bearer secret", http.StatusMethodNotAllowed},
		{"no device id", http.MethodPost, "/hooks/", `{}`, "Bearer secret", http.StatusBadRequest},
		{"invalid json", http.MethodPost, "/hooks/dev-1", `{broken`, "Bearer secret", http.StatusBadRequest},
		{"ok", http.MethodPost, "/hooks/dev-1", `{}`, "Bearer secret", http.StatusAccepted},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, server.URL+tc.path, strings.NewReader(tc.body))
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, resp.StatusCode)
		}
	}
}

func TestAdapter_StoppedRejects(t *testing.T) {
	adapter := New(Config{}, nil)
	server := httptest.NewServer(adapter.Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/webhooks/devices/dev-1", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("stopped adapter should reject, got %d", resp.StatusCode)
	}
}

func TestAdapter_CommandsUnsupported(t *testing.T) {
	adapter := New(Config{}, nil)
	err := adapter.SendCommand(context.Background(), deviceadapters.Command{DeviceID: "dev-1", Name: "x"})
	if err == nil {
		t.Fatal("webhook adapter must reject commands")
	}
}
