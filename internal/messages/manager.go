package messages

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgemind/edgemind/internal/eventbus"
	"github.com/edgemind/edgemind/pkg/models"
)

// Channel delivers a freshly created message somewhere (console, memory,
// user extensions). Delivery failures are logged, never surfaced: by the
// time a channel runs, the message is already stored.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, msg *models.StoredMessage) error
}

// ConsoleChannel logs each message.
type ConsoleChannel struct {
	Logger *slog.Logger
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Deliver(_ context.Context, msg *models.StoredMessage) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("message created",
		"id", msg.ID, "severity", msg.Severity, "category", msg.Category, "title", msg.Title)
	return nil
}

// MemoryChannel keeps the most recent deliveries for inspection.
type MemoryChannel struct {
	mu       sync.Mutex
	capacity int
	recent   []*models.StoredMessage
}

// NewMemoryChannel creates a delivery buffer of the given capacity.
func NewMemoryChannel(capacity int) *MemoryChannel {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryChannel{capacity: capacity}
}

func (c *MemoryChannel) Name() string { return "memory" }

func (c *MemoryChannel) Deliver(_ context.Context, msg *models.StoredMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy := *msg
	c.recent = append(c.recent, &copy)
	if len(c.recent) > c.capacity {
		c.recent = c.recent[len(c.recent)-c.capacity:]
	}
	return nil
}

// Recent returns the buffered deliveries, oldest first.
func (c *MemoryChannel) Recent() []*models.StoredMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.StoredMessage, len(c.recent))
	copy(out, c.recent)
	return out
}

// CreateRequest carries the caller-supplied message fields.
type CreateRequest struct {
	Category   string
	Severity   models.Severity
	Title      string
	Message    string
	Source     string
	SourceType string
	Metadata   map[string]any
	Tags       []string
}

// Manager is the message subsystem front door.
type Manager struct {
	store  Store
	bus    *eventbus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	channels []Channel
}

// NewManager creates a manager over a store. bus may be nil in tests.
func NewManager(store Store, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, bus: bus, logger: logger}
}

// RegisterChannel adds a delivery channel.
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Create stores the message, fans out to every channel, and publishes
// MessageCreated (plus AlertCreated for warning-or-worse severities).
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.StoredMessage, error) {
	if req.Severity == "" {
		req.Severity = models.SeverityInfo
	}
	msg := &models.StoredMessage{
		ID:         uuid.NewString(),
		Category:   req.Category,
		Severity:   req.Severity,
		Title:      req.Title,
		Message:    req.Message,
		Source:     req.Source,
		SourceType: req.SourceType,
		Timestamp:  time.Now(),
		Status:     models.MessageStatusActive,
		Metadata:   req.Metadata,
		Tags:       req.Tags,
	}
	if err := m.store.Insert(ctx, msg); err != nil {
		return nil, err
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()
	for _, ch := range channels {
		if err := ch.Deliver(ctx, msg); err != nil {
			// The message is stored; a broken channel must not fail the create.
			m.logger.Warn("message channel delivery failed",
				"channel", ch.Name(), "message_id", msg.ID, "error", err)
		}
	}

	m.publishLifecycle(eventbus.TypeMessageCreated, msg)
	if msg.Severity != models.SeverityInfo {
		m.publish(eventbus.Event{
			Type: eventbus.TypeAlertCreated,
			AlertCreated: &eventbus.AlertCreatedPayload{
				AlertID:   msg.ID,
				Title:     msg.Title,
				Severity:  string(msg.Severity),
				Message:   msg.Message,
				Timestamp: msg.Timestamp,
			},
		})
	}
	return msg, nil
}

// Get returns one message.
func (m *Manager) Get(ctx context.Context, id string) (*models.StoredMessage, error) {
	return m.store.Get(ctx, id)
}

// List returns messages matching the filter.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*models.StoredMessage, error) {
	return m.store.List(ctx, filter)
}

// Acknowledge marks a message acknowledged. Acknowledging an already
// acknowledged message is a no-op, so the operation is idempotent.
func (m *Manager) Acknowledge(ctx context.Context, id string) error {
	return m.transition(ctx, id, models.MessageStatusAcknowledged, eventbus.TypeMessageAcknowledged)
}

// Resolve marks a message resolved.
func (m *Manager) Resolve(ctx context.Context, id string) error {
	return m.transition(ctx, id, models.MessageStatusResolved, eventbus.TypeMessageResolved)
}

// Archive marks a message archived.
func (m *Manager) Archive(ctx context.Context, id string) error {
	return m.store.SetStatus(ctx, id, models.MessageStatusArchived)
}

// Delete removes a message.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// AcknowledgeAll bulk-acknowledges; returns how many succeeded.
func (m *Manager) AcknowledgeAll(ctx context.Context, ids []string) int {
	return m.bulk(ids, func(id string) error { return m.Acknowledge(ctx, id) })
}

// ResolveAll bulk-resolves; returns how many succeeded.
func (m *Manager) ResolveAll(ctx context.Context, ids []string) int {
	return m.bulk(ids, func(id string) error { return m.Resolve(ctx, id) })
}

// DeleteAll bulk-deletes; returns how many succeeded.
func (m *Manager) DeleteAll(ctx context.Context, ids []string) int {
	return m.bulk(ids, func(id string) error { return m.Delete(ctx, id) })
}

// Stats summarises the store.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	all, err := m.store.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Total:      len(all),
		ByStatus:   make(map[models.MessageStatus]int),
		BySeverity: make(map[models.Severity]int),
	}
	for _, msg := range all {
		stats.ByStatus[msg.Status]++
		stats.BySeverity[msg.Severity]++
	}
	return stats, nil
}

// Cleanup removes messages older than the retention window.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return m.store.DeleteOlderThan(ctx, time.Now().Add(-olderThan))
}

func (m *Manager) bulk(ids []string, op func(string) error) int {
	succeeded := 0
	for _, id := range ids {
		if err := op(id); err == nil {
			succeeded++
		}
	}
	return succeeded
}

func (m *Manager) transition(ctx context.Context, id string, status models.MessageStatus, event eventbus.Type) error {
	if err := m.store.SetStatus(ctx, id, status); err != nil {
		return err
	}
	msg, err := m.store.Get(ctx, id)
	if err != nil {
		return nil
	}
	m.publishLifecycle(event, msg)
	return nil
}

func (m *Manager) publishLifecycle(event eventbus.Type, msg *models.StoredMessage) {
	payload := &eventbus.MessageLifecyclePayload{
		MessageID: msg.ID,
		Title:     msg.Title,
		Severity:  string(msg.Severity),
		Message:   msg.Message,
		Timestamp: time.Now(),
	}
	ev := eventbus.Event{Type: event}
	switch event {
	case eventbus.TypeMessageCreated:
		ev.MessageCreated = payload
	case eventbus.TypeMessageAcknowledged:
		ev.MessageAcknowledged = payload
	case eventbus.TypeMessageResolved:
		ev.MessageResolved = payload
	}
	m.publish(ev)
}

func (m *Manager) publish(ev eventbus.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ev, eventbus.Metadata{Source: "messages", Timestamp: time.Now()})
}
