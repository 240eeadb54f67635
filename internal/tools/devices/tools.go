// Package devices provides the device-facing tools the agent can call:
// fleet listing, state reads, command dispatch, and metric history.
package devices

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edgemind/edgemind/internal/deviceadapters"
	"github.com/edgemind/edgemind/internal/devicestate"
	"github.com/edgemind/edgemind/internal/timeseries"
	"github.com/edgemind/edgemind/internal/tools"
)

// CommandSender dispatches a command through the active adapter set.
type CommandSender func(ctx context.Context, cmd deviceadapters.Command) error

// deviceSummary is the wire form of a fleet listing row.
type deviceSummary struct {
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
	Online     bool   `json:"online"`
	LastSeen   string `json:"last_seen"`
	Metrics    int    `json:"metrics"`
}

// ListDevicesTool lists the fleet, optionally filtered by type or
// online state.
type ListDevicesTool struct {
	states devicestate.Store
}

func NewListDevicesTool(states devicestate.Store) *ListDevicesTool {
	return &ListDevicesTool{states: states}
}

func (t *ListDevicesTool) Name() string { return "list_devices" }

func (t *ListDevicesTool) Description() string {
	return "List known devices with type, online state, and last-seen time. Optionally filter by device_type or online."
}

func (t *ListDevicesTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "device_type": { "type": "string", "description": "Only devices of this type" },
    "online": { "type": "boolean", "description": "Only devices in this online state" }
  }
}`)
}

func (t *ListDevicesTool) Execute(ctx context.Context, args json.RawMessage) tools.Output {
	var in struct {
		DeviceType string `json:"device_type"`
		Online     *bool  `json:"online"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Fail(err.Error())
		}
	}
	states, err := t.states.Query(ctx, devicestate.Filter{DeviceType: in.DeviceType, Online: in.Online})
	if err != nil {
		return tools.Fail(err.Error())
	}
	out := make([]deviceSummary, len(states))
	for i, state := range states {
		out[i] = deviceSummary{
			DeviceID:   state.DeviceID,
			DeviceType: state.DeviceType,
			Online:     state.Online,
			LastSeen:   state.LastSeen.Format(time.RFC3339),
			Metrics:    len(state.Metrics),
		}
	}
	return tools.OK(out)
}

// GetDeviceTool reads one device's full state.
type GetDeviceTool struct {
	states devicestate.Store
}

func NewGetDeviceTool(states devicestate.Store) *GetDeviceTool {
	return &GetDeviceTool{states: states}
}

func (t *GetDeviceTool) Name() string { return "get_device" }

func (t *GetDeviceTool) Description() string {
	return "Read one device's current state including every metric value."
}

func (t *GetDeviceTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "device_id": { "type": "string" }
  },
  "required": ["device_id"]
}`)
}

func (t *GetDeviceTool) Execute(ctx context.Context, args json.RawMessage) tools.Output {
	var in struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tools.Fail(err.Error())
	}
	state, err := t.states.Get(ctx, in.DeviceID)
	if err != nil {
		return tools.Fail(err.Error())
	}
	return tools.OK(state)
}

// SendCommandTool dispatches a command to a device.
type SendCommandTool struct {
	send CommandSender
}

func NewSendCommandTool(send CommandSender) *SendCommandTool {
	return &SendCommandTool{send: send}
}

func (t *SendCommandTool) Name() string { return "send_device_command" }

func (t *SendCommandTool) Description() string {
	return "Send a named command with an optional JSON payload to a device. Returns once the command is on the wire."
}

func (t *SendCommandTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "device_id": { "type": "string" },
    "command": { "type": "string" },
    "payload": { "type": "object", "additionalProperties": true }
  },
  "required": ["device_id", "command"]
}`)
}

func (t *SendCommandTool) Execute(ctx context.Context, args json.RawMessage) tools.Output {
	var in struct {
		DeviceID string          `json:"device_id"`
		Command  string          `json:"command"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tools.Fail(err.Error())
	}
	if t.send == nil {
		return tools.Fail("no adapter available for command dispatch")
	}
	err := t.send(ctx, deviceadapters.Command{
		DeviceID: in.DeviceID,
		Name:     in.Command,
		Payload:  in.Payload,
	})
	if err != nil {
		return tools.Fail(err.Error())
	}
	return tools.OK(map[string]any{"sent": true, "device_id": in.DeviceID, "command": in.Command})
}

// MetricHistoryTool queries the time-series store.
type MetricHistoryTool struct {
	series timeseries.Store
}

func NewMetricHistoryTool(series timeseries.Store) *MetricHistoryTool {
	return &MetricHistoryTool{series: series}
}

func (t *MetricHistoryTool) Name() string { return "query_metric_history" }

func (t *MetricHistoryTool) Description() string {
	return "Read recent samples of one device metric, newest last. since_minutes bounds the window; limit caps the sample count."
}

func (t *MetricHistoryTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "device_id": { "type": "string" },
    "metric": { "type": "string" },
    "since_minutes": { "type": "integer", "minimum": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 1000 }
  },
  "required": ["device_id", "metric"]
}`)
}

func (t *MetricHistoryTool) Execute(ctx context.Context, args json.RawMessage) tools.Output {
	var in struct {
		DeviceID     string `json:"device_id"`
		Metric       string `json:"metric"`
		SinceMinutes int    `json:"since_minutes"`
		Limit        int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tools.Fail(err.Error())
	}
	opts := timeseries.QueryOptions{Limit: in.Limit}
	if in.SinceMinutes > 0 {
		opts.From = time.Now().Add(-time.Duration(in.SinceMinutes) * time.Minute)
	}
	points, err := t.series.Query(ctx, in.DeviceID, in.Metric, opts)
	if err != nil {
		return tools.Fail(err.Error())
	}
	type sample struct {
		Timestamp string `json:"timestamp"`
		Value     string `json:"value"`
		Quality   string `json:"quality,omitempty"`
	}
	out := make([]sample, len(points))
	for i, p := range points {
		out[i] = sample{
			Timestamp: p.Timestamp.Format(time.RFC3339),
			Value:     p.Value.String(),
			Quality:   string(p.Quality),
		}
	}
	return tools.OK(out)
}

// Register adds every device tool to the registry.
func Register(registry *tools.Registry, states devicestate.Store, series timeseries.Store, send CommandSender) {
	registry.Register(NewListDevicesTool(states))
	registry.Register(NewGetDeviceTool(states))
	registry.Register(NewSendCommandTool(send))
	registry.Register(NewMetricHistoryTool(series))
}
