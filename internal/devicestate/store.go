// Package devicestate holds the current-state snapshot for every known
// device, with type/online secondary indexes and an LRU read cache.
package devicestate

import (
	"context"
	"time"

	"github.com/edgemind/edgemind/pkg/models"
)

// Filter selects devices in Query. Zero fields match everything.
type Filter struct {
	DeviceType string
	Online     *bool
	// SeenSince keeps only devices whose LastSeen is at or after the cutoff.
	SeenSince time.Time
}

// Matches reports whether a state passes the filter.
func (f Filter) Matches(state *models.DeviceState) bool {
	if f.DeviceType != "" && state.DeviceType != f.DeviceType {
		return false
	}
	if f.Online != nil && state.Online != *f.Online {
		return false
	}
	if !f.SeenSince.IsZero() && state.LastSeen.Before(f.SeenSince) {
		return false
	}
	return true
}

// Store is the device-state contract. Reads of a missing device return a
// not-found error; writes are atomic per device, and any field update
// refreshes LastUpdated.
type Store interface {
	Save(ctx context.Context, state *models.DeviceState) error
	Get(ctx context.Context, deviceID string) (*models.DeviceState, error)
	UpdateOnline(ctx context.Context, deviceID string, online bool) error
	UpdateMetric(ctx context.Context, deviceID, name string, point models.MetricPoint) error
	UpdateMetrics(ctx context.Context, deviceID string, metrics map[string]models.MetricPoint) error
	ListAll(ctx context.Context) ([]*models.DeviceState, error)
	ListByType(ctx context.Context, deviceType string) ([]*models.DeviceState, error)
	ListOnline(ctx context.Context) ([]*models.DeviceState, error)
	ListOffline(ctx context.Context) ([]*models.DeviceState, error)
	Query(ctx context.Context, filter Filter) ([]*models.DeviceState, error)
	Delete(ctx context.Context, deviceID string) error

	SaveTemplate(ctx context.Context, deviceType string, template *models.DeviceTemplate) error
	GetTemplate(ctx context.Context, deviceType string) (*models.DeviceTemplate, error)
}
