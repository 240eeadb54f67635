// Package eventbus is the process-wide publish/subscribe fabric every other
// subsystem uses to communicate. Publish never blocks the publisher; slow
// subscribers fall behind and drop events for themselves only, mirroring the
// lane-drop discipline of internal/agent's BackpressureSink generalized from
// two fixed lanes to N independent subscriptions.
package eventbus

import (
	"sync"
	"time"
)

// Type enumerates the closed set of event variants the core must support.
type Type string

const (
	TypeDeviceOnline         Type = "device.online"
	TypeDeviceOffline        Type = "device.offline"
	TypeDeviceMetric         Type = "device.metric"
	TypeRuleTriggered        Type = "rule.triggered"
	TypeWorkflowTriggered    Type = "workflow.triggered"
	TypeAgentMessage         Type = "agent.message"
	TypeLlmDecisionProposed  Type = "llm.decision_proposed"
	TypeAlertCreated         Type = "alert.created"
	TypeMessageCreated       Type = "message.created"
	TypeMessageAcknowledged  Type = "message.acknowledged"
	TypeMessageResolved      Type = "message.resolved"
	TypeExtensionOutput      Type = "extension.output"
	TypeExtensionLifecycle   Type = "extension.lifecycle"
	TypeToolInvoked          Type = "tool.invoked"
)

// Metadata carries the publish-time envelope every Event is wrapped in.
type Metadata struct {
	Source    string
	Timestamp time.Time
}

// Event is a discriminated union: Type selects which typed payload pointer
// is meaningful, the same shape pkg/models.AgentEvent already uses for a
// single agent run's event stream, generalized here to the bus-wide set.
type Event struct {
	Type Type

	DeviceOnline  *DeviceOnlinePayload
	DeviceOffline *DeviceOfflinePayload
	DeviceMetric  *DeviceMetricPayload

	RuleTriggered     *RuleTriggeredPayload
	WorkflowTriggered *WorkflowTriggeredPayload

	AgentMessage        *AgentMessagePayload
	LlmDecisionProposed *LlmDecisionProposedPayload

	AlertCreated *AlertCreatedPayload

	MessageCreated      *MessageLifecyclePayload
	MessageAcknowledged *MessageLifecyclePayload
	MessageResolved     *MessageLifecyclePayload

	ExtensionOutput    *ExtensionOutputPayload
	ExtensionLifecycle *ExtensionLifecyclePayload

	ToolInvoked *ToolInvokedPayload
}

// DeviceOnlinePayload is the payload for TypeDeviceOnline.
type DeviceOnlinePayload struct {
	DeviceID   string
	DeviceType string
	Timestamp  time.Time
}

// DeviceOfflinePayload is the payload for TypeDeviceOffline.
type DeviceOfflinePayload struct {
	DeviceID  string
	Reason    string
	Timestamp time.Time
}

// DeviceMetricPayload is the payload for TypeDeviceMetric. Value is any.
// because eventbus must not import pkg/models's MetricValue to avoid a
// dependency cycle with packages that both publish events and own metric
// types; producers pass the concrete models.MetricValue through untyped and
// subscribers type-assert it back.
type DeviceMetricPayload struct {
	DeviceID  string
	Metric    string
	Value     any
	Quality   string
	Timestamp time.Time
}

// RuleTriggeredPayload is the payload for TypeRuleTriggered.
type RuleTriggeredPayload struct {
	RuleID    string
	RuleName  string
	Timestamp time.Time
}

// WorkflowTriggeredPayload is the payload for TypeWorkflowTriggered.
type WorkflowTriggeredPayload struct {
	WorkflowID  string
	ExecutionID string
	Timestamp   time.Time
}

// AgentMessagePayload is the payload for TypeAgentMessage.
type AgentMessagePayload struct {
	SessionID string
	Role      string
	Timestamp time.Time
}

// LlmDecisionProposedPayload is the payload for TypeLlmDecisionProposed.
type LlmDecisionProposedPayload struct {
	SessionID string
	Summary   string
	Timestamp time.Time
}

// AlertCreatedPayload is the payload for TypeAlertCreated.
type AlertCreatedPayload struct {
	AlertID   string
	Title     string
	Severity  string
	Message   string
	Timestamp time.Time
}

// MessageLifecyclePayload covers TypeMessageCreated/Acknowledged/Resolved.
type MessageLifecyclePayload struct {
	MessageID string
	Title     string
	Severity  string
	Message   string
	Timestamp time.Time
}

// ExtensionOutputPayload is the payload for TypeExtensionOutput.
type ExtensionOutputPayload struct {
	ExtensionID string
	OutputName  string
	Value       any
	Labels      map[string]string
	Quality     string
	Timestamp   time.Time
}

// ExtensionLifecyclePayload is the payload for TypeExtensionLifecycle.
type ExtensionLifecyclePayload struct {
	ExtensionID string
	State       string
	Message     string
	Timestamp   time.Time
}

// ToolInvokedPayload is the payload for TypeToolInvoked.
type ToolInvokedPayload struct {
	ToolName  string
	Success   bool
	Timestamp time.Time
}

// Predicate filters events for a filtered subscription. It must be
// side-effect-free: the bus may call it from any subscriber's delivery path.
type Predicate func(Event) bool

// DeviceEvents matches every device-origin event.
func DeviceEvents(e Event) bool {
	switch e.Type {
	case TypeDeviceOnline, TypeDeviceOffline, TypeDeviceMetric:
		return true
	default:
		return false
	}
}

// RuleEvents matches rule-trigger events.
func RuleEvents(e Event) bool { return e.Type == TypeRuleTriggered }

// WorkflowEvents matches workflow-trigger events.
func WorkflowEvents(e Event) bool { return e.Type == TypeWorkflowTriggered }

// AgentEvents matches agent conversation events.
func AgentEvents(e Event) bool { return e.Type == TypeAgentMessage }

// LlmEvents matches LLM decision events.
func LlmEvents(e Event) bool { return e.Type == TypeLlmDecisionProposed }

// AlertEvents matches alert-creation events.
func AlertEvents(e Event) bool { return e.Type == TypeAlertCreated }

// ToolEvents matches tool-invocation events.
func ToolEvents(e Event) bool { return e.Type == TypeToolInvoked }

// ExtensionEvents matches any extension-origin event.
func ExtensionEvents(e Event) bool {
	return e.Type == TypeExtensionOutput || e.Type == TypeExtensionLifecycle
}

// ExtensionOutputEvents matches extension metric/output events.
func ExtensionOutputEvents(e Event) bool { return e.Type == TypeExtensionOutput }

// ExtensionLifecycleEvents matches extension start/stop/error events.
func ExtensionLifecycleEvents(e Event) bool { return e.Type == TypeExtensionLifecycle }

// ExtensionByID returns a predicate matching extension events for one extension id.
func ExtensionByID(id string) Predicate {
	return func(e Event) bool {
		switch e.Type {
		case TypeExtensionOutput:
			return e.ExtensionOutput != nil && e.ExtensionOutput.ExtensionID == id
		case TypeExtensionLifecycle:
			return e.ExtensionLifecycle != nil && e.ExtensionLifecycle.ExtensionID == id
		default:
			return false
		}
	}
}

// DefaultCapacity is the default number of queued events a subscriber may
// lag behind before it starts dropping.
const DefaultCapacity = 1000

// Subscription is a bounded, ordered view onto the bus. Events() delivers
// (Event, Metadata) pairs in the order the bus accepted them; Lagged()
// fires once each time this subscription dropped events because it could
// not keep up. Other subscribers are unaffected.
type Subscription struct {
	ch     chan Delivery
	lagged chan struct{}
	pred   Predicate
	mu     sync.Mutex
	closed bool
	unsub  func()
}

// Delivery pairs an accepted event with its publish metadata.
type Delivery struct {
	Event Event
	Meta  Metadata
}

// Events returns the channel of deliveries. The channel closes when the
// bus is closed or the subscription is cancelled.
func (s *Subscription) Events() <-chan Delivery { return s.ch }

// Next blocks for the next delivery, returning ok=false once the
// subscription is closed.
func (s *Subscription) Next() (Event, Metadata, bool) {
	d, ok := <-s.ch
	return d.Event, d.Meta, ok
}

// Lagged signals (non-blocking, one slot) whenever this subscription dropped
// events due to falling behind its capacity.
func (s *Subscription) Lagged() <-chan struct{} { return s.lagged }

// Unsubscribe detaches this subscription from the bus and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.unsub != nil {
		s.unsub()
	}
}

// Bus is the in-process pub/sub fabric. The zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	cap    int
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithCapacity overrides the default per-subscriber queue capacity.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.cap = n
		}
	}
}

// New creates a Bus with the given options.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[*Subscription]struct{}),
		cap:  DefaultCapacity,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers an event to every matching subscriber. It never blocks:
// a subscriber whose queue is full has the oldest-undelivered semantics of
// a dropped event recorded against it via Lagged, and publish proceeds to
// the next subscriber immediately. "No subscribers" is not an error.
func (b *Bus) Publish(e Event, meta Metadata) {
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	d := Delivery{Event: e, Meta: meta}
	for sub := range b.subs {
		if sub.pred != nil && !sub.pred(e) {
			continue
		}
		select {
		case sub.ch <- d:
		default:
			// Subscriber lagging: drop for this subscriber only and signal once.
			select {
			case sub.lagged <- struct{}{}:
			default:
			}
		}
	}
}

// Subscribe returns a receiver for every event the bus accepts.
func (b *Bus) Subscribe() *Subscription {
	return b.SubscribeFiltered(nil)
}

// SubscribeFiltered returns a receiver for events matching pred. A nil pred
// matches everything.
func (b *Bus) SubscribeFiltered(pred Predicate) *Subscription {
	sub := &Subscription{
		ch:     make(chan Delivery, b.capacityOrDefault()),
		lagged: make(chan struct{}, 1),
		pred:   pred,
	}
	sub.unsub = func() { b.remove(sub) }

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) capacityOrDefault() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.cap <= 0 {
		return DefaultCapacity
	}
	return b.cap
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Close shuts the bus down: all subscriber channels are closed so blocked
// receivers observe end-of-stream, and subsequent Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}

// SubscriberCount reports the number of live subscriptions, for introspection.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
