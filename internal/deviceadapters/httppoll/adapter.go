// Package httppoll implements the HTTP polling adapter: one loop tracks a
// next-poll deadline per configured device, fires requests concurrently
// within a global timeout, and feeds responses into the shared ingress
// pipeline.
package httppoll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/edgemind/edgemind/internal/deviceadapters"
	"github.com/edgemind/edgemind/internal/errs"
)

// DeviceConfig describes one polled device.
type DeviceConfig struct {
	DeviceID     string            `json:"device_id" yaml:"device_id"`
	DeviceType   string            `json:"device_type" yaml:"device_type"`
	URL          string            `json:"url" yaml:"url"`
	Method       string            `json:"method,omitempty" yaml:"method"`
	PollInterval time.Duration     `json:"poll_interval" yaml:"poll_interval"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers"`
	// BearerToken, when set, is sent as an Authorization header.
	BearerToken string `json:"bearer_token,omitempty" yaml:"bearer_token"`
	BasicUser   string `json:"basic_user,omitempty" yaml:"basic_user"`
	BasicPass   string `json:"basic_pass,omitempty" yaml:"basic_pass"`
	// DataPath optionally selects a response subtree (gjson path) before
	// standard extraction runs.
	DataPath string `json:"data_path,omitempty" yaml:"data_path"`
	// CommandURL receives command egress via POST (or PUT when
	// CommandMethod says so).
	CommandURL    string `json:"command_url,omitempty" yaml:"command_url"`
	CommandMethod string `json:"command_method,omitempty" yaml:"command_method"`
}

// Config configures the polling adapter.
type Config struct {
	Devices []DeviceConfig `json:"devices" yaml:"devices"`
	// RequestTimeout bounds each poll request.
	RequestTimeout time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout"`
	// Tick is the loop resolution.
	Tick time.Duration `json:"tick,omitempty" yaml:"tick"`
	// OfflineAfterFailures marks a device offline after this many
	// consecutive poll failures.
	OfflineAfterFailures int `json:"offline_after_failures,omitempty" yaml:"offline_after_failures"`
}

type polledDevice struct {
	config   DeviceConfig
	nextPoll time.Time
	failures int
	online   bool
}

// Adapter polls HTTP devices on their configured cadence.
type Adapter struct {
	*deviceadapters.Base

	config Config
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	polled  map[string]*polledDevice
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates the polling adapter.
func New(config Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.Tick <= 0 {
		config.Tick = 250 * time.Millisecond
	}
	if config.OfflineAfterFailures <= 0 {
		config.OfflineAfterFailures = 3
	}
	a := &Adapter{
		Base:   deviceadapters.NewBase("httppoll", 256),
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: logger,
		polled: make(map[string]*polledDevice),
	}
	for _, dev := range config.Devices {
		a.addDevice(dev)
	}
	return a
}

func (a *Adapter) addDevice(dev DeviceConfig) {
	if dev.Method == "" {
		dev.Method = http.MethodGet
	}
	if dev.PollInterval <= 0 {
		dev.PollInterval = 30 * time.Second
	}
	a.mu.Lock()
	a.polled[dev.DeviceID] = &polledDevice{config: dev, nextPoll: time.Now()}
	a.mu.Unlock()
	_ = a.TrackDevice(dev.DeviceID, nil)
}

// AddDevice registers a device for polling; takes effect on the next tick
// without a restart.
func (a *Adapter) AddDevice(dev DeviceConfig) {
	a.addDevice(dev)
}

// Start launches the polling loop; a no-op when already running.
func (a *Adapter) Start(_ context.Context) error {
	if !a.BeginStart() {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.stopped = make(chan struct{})
	a.SetState(deviceadapters.StateConnected)

	go a.loop(runCtx)
	return nil
}

// Stop halts polling; in-flight requests run to their timeout.
func (a *Adapter) Stop(_ context.Context) error {
	if !a.BeginStop() {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.stopped != nil {
		<-a.stopped
	}
	return nil
}

// loop wakes every tick and fires polls whose deadline has passed.
// Requests run concurrently so one slow device cannot starve the rest.
func (a *Adapter) loop(ctx context.Context) {
	defer close(a.stopped)
	ticker := time.NewTicker(a.config.Tick)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case now := <-ticker.C:
			for _, dev := range a.due(now) {
				wg.Add(1)
				go func(dev DeviceConfig) {
					defer wg.Done()
					a.pollOnce(ctx, dev)
				}(dev)
			}
		}
	}
}

// due returns the devices whose nextPoll has passed, advancing their
// deadlines so overlapping ticks never double-fire a device.
func (a *Adapter) due(now time.Time) []DeviceConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []DeviceConfig
	for _, dev := range a.polled {
		if now.Before(dev.nextPoll) {
			continue
		}
		dev.nextPoll = now.Add(dev.config.PollInterval)
		out = append(out, dev.config)
	}
	return out
}

func (a *Adapter) pollOnce(ctx context.Context, dev DeviceConfig) {
	reqCtx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()

	payload, err := a.fetch(reqCtx, dev)
	a.mu.Lock()
	state, tracked := a.polled[dev.DeviceID]
	if !tracked {
		a.mu.Unlock()
		return
	}
	if err != nil {
		state.failures++
		failures := state.failures
		goneOffline := failures >= a.config.OfflineAfterFailures && state.online
		if goneOffline {
			state.online = false
		}
		a.mu.Unlock()
		a.logger.Warn("poll failed", "device_id", dev.DeviceID, "error", err)
		if goneOffline {
			a.Emit(deviceadapters.DeviceEvent{
				Kind:     deviceadapters.DeviceEventOffline,
				DeviceID: dev.DeviceID,
				Reason:   fmt.Sprintf("%d consecutive poll failures", failures),
			})
		}
		return
	}
	state.failures = 0
	state.online = true
	a.mu.Unlock()

	a.Emit(deviceadapters.DeviceEvent{
		Kind:       deviceadapters.DeviceEventMetric,
		DeviceID:   dev.DeviceID,
		DeviceType: dev.DeviceType,
		Payload:    payload,
	})
}

// fetch performs one poll request and applies the optional data-path
// subtree selection.
func (a *Adapter) fetch(ctx context.Context, dev DeviceConfig) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, dev.Method, dev.URL, nil)
	if err != nil {
		return nil, errs.InvalidArguments("url", err.Error())
	}
	for key, value := range dev.Headers {
		req.Header.Set(key, value)
	}
	if dev.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+dev.BearerToken)
	} else if dev.BasicUser != "" {
		req.SetBasicAuth(dev.BasicUser, dev.BasicPass)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errs.Transient("poll request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.Transient(fmt.Sprintf("poll status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errs.Transient("read poll body", err)
	}
	if !json.Valid(body) {
		return nil, errs.Serialization("poll response is not JSON", nil)
	}

	if dev.DataPath != "" {
		sub := gjson.GetBytes(body, dev.DataPath)
		if !sub.Exists() {
			return nil, errs.NotFound("data_path", dev.DataPath)
		}
		return json.RawMessage(sub.Raw), nil
	}
	return body, nil
}

// SubscribeDevice is dynamic: polling begins on the next tick. Devices
// subscribed without prior configuration are rejected.
func (a *Adapter) SubscribeDevice(_ context.Context, deviceID string) error {
	a.mu.Lock()
	_, ok := a.polled[deviceID]
	a.mu.Unlock()
	if !ok {
		return errs.NotFound("device config", deviceID)
	}
	return a.TrackDevice(deviceID, nil)
}

// UnsubscribeDevice stops polling the device immediately.
func (a *Adapter) UnsubscribeDevice(_ context.Context, deviceID string) error {
	a.mu.Lock()
	delete(a.polled, deviceID)
	a.mu.Unlock()
	return a.UntrackDevice(deviceID, nil)
}

// SendCommand POSTs (or PUTs) the payload to the device's command URL.
func (a *Adapter) SendCommand(ctx context.Context, cmd deviceadapters.Command) error {
	a.mu.Lock()
	dev, ok := a.polled[cmd.DeviceID]
	a.mu.Unlock()
	if !ok {
		return errs.NotFound("device config", cmd.DeviceID)
	}
	target := dev.config.CommandURL
	if cmd.Topic != "" {
		target = cmd.Topic
	}
	if target == "" {
		return errs.InvalidArguments("command_url", "device has no command endpoint")
	}
	method := dev.config.CommandMethod
	if method == "" {
		method = http.MethodPost
	}

	body := map[string]any{"command": cmd.Name}
	if len(cmd.Payload) > 0 {
		var params any
		if err := json.Unmarshal(cmd.Payload, &params); err != nil {
			return errs.Serialization("command payload", err)
		}
		body["params"] = params
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return errs.Serialization("encode command", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(encoded))
	if err != nil {
		return errs.InvalidArguments("command_url", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return errs.Transient("send command", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.Transient(fmt.Sprintf("command status %d", resp.StatusCode), nil)
	}
	return nil
}
