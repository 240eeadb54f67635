// Package extensions manages device-type extension descriptors: loadable
// units declaring the metrics and commands a device type supports.
// Extensions are discovered from configured directories; registration is
// idempotent on (id, version).
package extensions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/internal/eventbus"
	"github.com/edgemind/edgemind/pkg/models"
)

// LifecycleState names an extension's lifecycle phase for events.
type LifecycleState string

const (
	StateRegistered   LifecycleState = "registered"
	StateUnregistered LifecycleState = "unregistered"
	StateFailed       LifecycleState = "failed"
)

// extensionKey is the identity: same id+version re-registers as a no-op.
type extensionKey struct {
	id      string
	version string
}

// Registry holds the registered extensions.
type Registry struct {
	bus    *eventbus.Bus
	logger *slog.Logger

	mu         sync.RWMutex
	extensions map[extensionKey]*models.DeviceTemplate
	latest     map[string]*models.DeviceTemplate
}

// NewRegistry creates a registry. bus may be nil in tests.
func NewRegistry(bus *eventbus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bus:        bus,
		logger:     logger,
		extensions: make(map[extensionKey]*models.DeviceTemplate),
		latest:     make(map[string]*models.DeviceTemplate),
	}
}

// Validate checks a descriptor's required fields.
func Validate(ext *models.DeviceTemplate) error {
	if ext == nil {
		return errs.InvalidArguments("extension", "must not be nil")
	}
	if ext.ID == "" {
		return errs.InvalidArguments("id", "must not be empty")
	}
	if ext.Version == "" {
		return errs.InvalidArguments("version", "must not be empty")
	}
	seen := make(map[string]struct{}, len(ext.Metrics))
	for _, metric := range ext.Metrics {
		if metric.Name == "" {
			return errs.InvalidArguments("metrics", "metric name must not be empty")
		}
		if _, dup := seen[metric.Name]; dup {
			return errs.InvalidArguments("metrics", fmt.Sprintf("duplicate metric %q", metric.Name))
		}
		seen[metric.Name] = struct{}{}
	}
	for _, command := range ext.Commands {
		if command.Name == "" {
			return errs.InvalidArguments("commands", "command name must not be empty")
		}
	}
	return nil
}

// Register adds an extension. Registering the same (id, version) again
// is a no-op; a new version replaces the latest mapping.
func (r *Registry) Register(ext *models.DeviceTemplate) error {
	if err := Validate(ext); err != nil {
		r.publishLifecycle(extID(ext), StateFailed, err.Error())
		return err
	}
	key := extensionKey{id: ext.ID, version: ext.Version}

	r.mu.Lock()
	if _, exists := r.extensions[key]; exists {
		r.mu.Unlock()
		return nil
	}
	stored := *ext
	r.extensions[key] = &stored
	r.latest[ext.ID] = &stored
	r.mu.Unlock()

	r.logger.Info("extension registered", "id", ext.ID, "version", ext.Version,
		"metrics", len(ext.Metrics), "commands", len(ext.Commands))
	r.publishLifecycle(ext.ID, StateRegistered, "")
	return nil
}

// Unregister removes every version of an extension id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	found := false
	for key := range r.extensions {
		if key.id == id {
			delete(r.extensions, key)
			found = true
		}
	}
	delete(r.latest, id)
	r.mu.Unlock()
	if !found {
		return errs.NotFound("extension", id)
	}
	r.publishLifecycle(id, StateUnregistered, "")
	return nil
}

// Get returns the latest-registered version of an extension.
func (r *Registry) Get(id string) (*models.DeviceTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.latest[id]
	if !ok {
		return nil, errs.NotFound("extension", id)
	}
	out := *ext
	return &out, nil
}

// GetTemplate satisfies the extractor's TemplateProvider against the
// extension registry, so a registered extension doubles as the device
// type's template.
func (r *Registry) GetTemplate(_ context.Context, deviceType string) (*models.DeviceTemplate, error) {
	return r.Get(deviceType)
}

// List returns the latest version of every extension, sorted by id.
func (r *Registry) List() []*models.DeviceTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.DeviceTemplate, 0, len(r.latest))
	for _, ext := range r.latest {
		copy := *ext
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PublishOutput publishes an extension-produced value onto the bus.
func (r *Registry) PublishOutput(id, outputName string, value models.MetricValue, labels map[string]string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeExtensionOutput,
		ExtensionOutput: &eventbus.ExtensionOutputPayload{
			ExtensionID: id,
			OutputName:  outputName,
			Value:       value,
			Labels:      labels,
			Quality:     string(models.QualityGood),
			Timestamp:   time.Now(),
		},
	}, eventbus.Metadata{Source: "extensions"})
}

func (r *Registry) publishLifecycle(id string, state LifecycleState, message string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeExtensionLifecycle,
		ExtensionLifecycle: &eventbus.ExtensionLifecyclePayload{
			ExtensionID: id,
			State:       string(state),
			Message:     message,
			Timestamp:   time.Now(),
		},
	}, eventbus.Metadata{Source: "extensions"})
}

func extID(ext *models.DeviceTemplate) string {
	if ext == nil {
		return ""
	}
	return ext.ID
}
