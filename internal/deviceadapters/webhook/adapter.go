// Package webhook implements the inbound-webhook device adapter: devices
// push payloads to an HTTP endpoint and the rest of the ingress pipeline
// is identical to the other adapters.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/edgemind/edgemind/internal/deviceadapters"
	"github.com/edgemind/edgemind/internal/errs"
)

// Config configures the webhook adapter.
type Config struct {
	// PathPrefix is the route root; payloads arrive at
	// {prefix}/{device_id}.
	PathPrefix string `json:"path_prefix" yaml:"path_prefix"`
	// Token, when set, must match the Authorization bearer token.
	Token string `json:"token,omitempty" yaml:"token"`
	// DefaultDeviceType is assigned to devices first seen via webhook.
	DefaultDeviceType string `json:"default_device_type,omitempty" yaml:"default_device_type"`
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty" yaml:"max_body_bytes"`
}

// Adapter accepts device payloads over HTTP. It does not own a listener;
// Handler() mounts into whatever mux the process serves.
type Adapter struct {
	*deviceadapters.Base

	config Config
	logger *slog.Logger
}

// New creates the webhook adapter.
func New(config Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PathPrefix == "" {
		config.PathPrefix = "/webhooks/devices"
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	return &Adapter{
		Base:   deviceadapters.NewBase("webhook", 256),
		config: config,
		logger: logger,
	}
}

// Start marks the adapter ready; a no-op when already running.
func (a *Adapter) Start(_ context.Context) error {
	if a.BeginStart() {
		a.SetState(deviceadapters.StateConnected)
	}
	return nil
}

// Stop marks the adapter stopped; subsequent requests are rejected.
func (a *Adapter) Stop(_ context.Context) error {
	a.BeginStop()
	return nil
}

// SubscribeDevice tracks a device id; webhooks for untracked devices are
// still accepted (the endpoint is the source of truth for existence).
func (a *Adapter) SubscribeDevice(_ context.Context, deviceID string) error {
	return a.TrackDevice(deviceID, nil)
}

// UnsubscribeDevice stops tracking a device id.
func (a *Adapter) UnsubscribeDevice(_ context.Context, deviceID string) error {
	return a.UntrackDevice(deviceID, nil)
}

// SendCommand is unsupported: webhook devices are push-only.
func (a *Adapter) SendCommand(_ context.Context, cmd deviceadapters.Command) error {
	return errs.InvalidArguments("adapter", "webhook devices do not accept commands")
}

// Handler returns the inbound endpoint to mount at PathPrefix.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Running() {
			http.Error(w, "adapter stopped", http.StatusServiceUnavailable)
			return
		}
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if a.config.Token != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+a.config.Token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		deviceID := strings.Trim(strings.TrimPrefix(r.URL.Path, a.config.PathPrefix), "/")
		if deviceID == "" || strings.Contains(deviceID, "/") {
			http.Error(w, "device id required", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, a.config.MaxBodyBytes))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if !json.Valid(body) {
			http.Error(w, "body must be JSON", http.StatusBadRequest)
			return
		}

		a.Emit(deviceadapters.DeviceEvent{
			Kind:       deviceadapters.DeviceEventMetric,
			DeviceID:   deviceID,
			DeviceType: a.config.DefaultDeviceType,
			Payload:    json.RawMessage(body),
		})
		w.WriteHeader(http.StatusAccepted)
	})
}
