package deviceadapters

import (
	"sort"
	"sync"
	"time"
)

// PendingOp is a subscribe/unsubscribe queued while the transport was
// down, replayed on the next successful connect.
type PendingOp struct {
	DeviceID  string
	Subscribe bool
}

// Base carries the bookkeeping every adapter shares: idempotent
// start/stop state, the event channel, the known-device set, the
// connection state, and the queue of subscription changes made while
// the transport was disconnected.
type Base struct {
	name string

	mu      sync.Mutex
	running bool
	state   ConnectionState
	devices map[string]struct{}
	pending []PendingOp

	events chan DeviceEvent
}

// NewBase creates the shared bookkeeping for a named adapter.
func NewBase(name string, eventBuffer int) *Base {
	if eventBuffer <= 0 {
		eventBuffer = 256
	}
	return &Base{
		name:    name,
		state:   StateDisconnected,
		devices: make(map[string]struct{}),
		events:  make(chan DeviceEvent, eventBuffer),
	}
}

func (b *Base) Name() string { return b.name }

// BeginStart flips the running flag; returns false when already running
// so Start can be a no-op.
func (b *Base) BeginStart() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return false
	}
	b.running = true
	return true
}

// BeginStop flips the running flag; returns false when already stopped.
func (b *Base) BeginStop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return false
	}
	b.running = false
	b.state = StateDisconnected
	return true
}

// Running reports whether the adapter is started.
func (b *Base) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SetState records the connection state.
func (b *Base) SetState(state ConnectionState) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

// ConnectionStatus returns the current connection state.
func (b *Base) ConnectionStatus() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// TrackDevice records a subscription. While disconnected the change is
// queued for replay; otherwise apply runs inline.
func (b *Base) TrackDevice(deviceID string, apply func(string) error) error {
	b.mu.Lock()
	b.devices[deviceID] = struct{}{}
	connected := b.state == StateConnected
	if !connected {
		b.pending = append(b.pending, PendingOp{DeviceID: deviceID, Subscribe: true})
	}
	b.mu.Unlock()
	if connected && apply != nil {
		return apply(deviceID)
	}
	return nil
}

// UntrackDevice removes a subscription, queuing the change while offline.
func (b *Base) UntrackDevice(deviceID string, apply func(string) error) error {
	b.mu.Lock()
	delete(b.devices, deviceID)
	connected := b.state == StateConnected
	if !connected {
		b.pending = append(b.pending, PendingOp{DeviceID: deviceID, Subscribe: false})
	}
	b.mu.Unlock()
	if connected && apply != nil {
		return apply(deviceID)
	}
	return nil
}

// DrainPending returns and clears the queued subscription changes.
func (b *Base) DrainPending() []PendingOp {
	b.mu.Lock()
	defer b.mu.Unlock()
	ops := b.pending
	b.pending = nil
	return ops
}

// ListDevices returns the tracked device ids, sorted.
func (b *Base) ListDevices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.devices))
	for id := range b.devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Events returns the adapter's event stream.
func (b *Base) Events() <-chan DeviceEvent { return b.events }

// Emit delivers an event without ever blocking the adapter's transport
// goroutine; a full channel drops the event.
func (b *Base) Emit(ev DeviceEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.events <- ev:
	default:
	}
}
