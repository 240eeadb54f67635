// Package deviceadapters defines the common contract every protocol
// adapter implements, plus the shared ingress pipeline and reconnection
// helper the concrete adapters build on.
package deviceadapters

import (
	"context"
	"encoding/json"
	"time"
)

// ConnectionState tracks an adapter's link to its transport.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// DeviceEventKind discriminates adapter-level device events.
type DeviceEventKind string

const (
	DeviceEventOnline  DeviceEventKind = "online"
	DeviceEventOffline DeviceEventKind = "offline"
	DeviceEventMetric  DeviceEventKind = "metric"
)

// DeviceEvent is one adapter-level observation about a device.
type DeviceEvent struct {
	Kind       DeviceEventKind
	DeviceID   string
	DeviceType string
	// Payload carries the raw device data for Metric events.
	Payload   json.RawMessage
	Reason    string
	Timestamp time.Time
}

// Command is an egress request to a device.
type Command struct {
	DeviceID string
	Name     string
	Payload  json.RawMessage
	// Topic overrides the adapter's default dispatch target when set.
	Topic string
}

// Adapter is the contract every protocol adapter implements. Start and
// Stop are idempotent; SubscribeDevice/UnsubscribeDevice are dynamic and
// never require a restart. SendCommand returns once the command is on the
// wire, not when the device has acknowledged it.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SubscribeDevice(ctx context.Context, deviceID string) error
	UnsubscribeDevice(ctx context.Context, deviceID string) error
	SendCommand(ctx context.Context, cmd Command) error
	Events() <-chan DeviceEvent
	ConnectionStatus() ConnectionState
	ListDevices() []string
}
