package devicestate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/pkg/models"
)

// MemoryStore keeps device states in memory. The type and online indexes
// are mutated under the same write lock as the primary map so a reader
// never observes them out of sync.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]*models.DeviceState
	templates map[string]*models.DeviceTemplate

	byType   map[string]map[string]struct{}
	byOnline map[bool]map[string]struct{}
}

// NewMemoryStore returns an empty in-memory device state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[string]*models.DeviceState),
		templates: make(map[string]*models.DeviceTemplate),
		byType:    make(map[string]map[string]struct{}),
		byOnline:  map[bool]map[string]struct{}{true: {}, false: {}},
	}
}

// Save writes a full device state.
func (s *MemoryStore) Save(_ context.Context, state *models.DeviceState) error {
	if state == nil || state.DeviceID == "" {
		return errs.InvalidArguments("device_id", "must not be empty")
	}
	clone := state.Clone()
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.LastUpdated = now
	if clone.Metrics == nil {
		clone.Metrics = make(map[string]models.MetricPoint)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.devices[clone.DeviceID]; ok {
		s.unindexLocked(prev)
		if clone.CreatedAt.After(prev.CreatedAt) {
			clone.CreatedAt = prev.CreatedAt
		}
	}
	s.devices[clone.DeviceID] = clone
	s.indexLocked(clone)
	return nil
}

// Get returns a copy of one device's state.
func (s *MemoryStore) Get(_ context.Context, deviceID string) (*models.DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.devices[deviceID]
	if !ok {
		return nil, errs.NotFound("device", deviceID)
	}
	return state.Clone(), nil
}

// UpdateOnline transitions the online flag, updating the online index
// atomically with the record.
func (s *MemoryStore) UpdateOnline(_ context.Context, deviceID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.devices[deviceID]
	if !ok {
		return errs.NotFound("device", deviceID)
	}
	delete(s.byOnline[state.Online], deviceID)
	state.Online = online
	now := time.Now()
	state.LastUpdated = now
	if online {
		state.LastSeen = now
	}
	s.byOnline[online][deviceID] = struct{}{}
	return nil
}

// UpdateMetric writes one metric point.
func (s *MemoryStore) UpdateMetric(ctx context.Context, deviceID, name string, point models.MetricPoint) error {
	return s.UpdateMetrics(ctx, deviceID, map[string]models.MetricPoint{name: point})
}

// UpdateMetrics writes a batch of metric points under one lock acquisition.
func (s *MemoryStore) UpdateMetrics(_ context.Context, deviceID string, metrics map[string]models.MetricPoint) error {
	if len(metrics) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.devices[deviceID]
	if !ok {
		return errs.NotFound("device", deviceID)
	}
	now := time.Now()
	for name, point := range metrics {
		if point.Timestamp.IsZero() {
			point.Timestamp = now
		}
		state.Metrics[name] = point
	}
	state.LastSeen = now
	state.LastUpdated = now
	return nil
}

// ListAll returns every device state, ordered by device id.
func (s *MemoryStore) ListAll(_ context.Context) ([]*models.DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.DeviceState, 0, len(s.devices))
	for _, state := range s.devices {
		out = append(out, state.Clone())
	}
	sortStates(out)
	return out, nil
}

// ListByType returns devices of one type via the type index.
func (s *MemoryStore) ListByType(_ context.Context, deviceType string) ([]*models.DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byType[deviceType]), nil
}

// ListOnline returns currently online devices.
func (s *MemoryStore) ListOnline(_ context.Context) ([]*models.DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byOnline[true]), nil
}

// ListOffline returns currently offline devices.
func (s *MemoryStore) ListOffline(_ context.Context) ([]*models.DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byOnline[false]), nil
}

// Query returns devices matching the filter.
func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]*models.DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DeviceState
	for _, state := range s.devices {
		if filter.Matches(state) {
			out = append(out, state.Clone())
		}
	}
	sortStates(out)
	return out, nil
}

// Delete removes a device from the primary map and both indexes.
func (s *MemoryStore) Delete(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.devices[deviceID]
	if !ok {
		return errs.NotFound("device", deviceID)
	}
	s.unindexLocked(state)
	delete(s.devices, deviceID)
	return nil
}

// SaveTemplate registers a device-type template.
func (s *MemoryStore) SaveTemplate(_ context.Context, deviceType string, template *models.DeviceTemplate) error {
	if template == nil {
		return errs.InvalidArguments("template", "must not be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmpl := *template
	s.templates[deviceType] = &tmpl
	return nil
}

// GetTemplate returns a device-type template.
func (s *MemoryStore) GetTemplate(_ context.Context, deviceType string) (*models.DeviceTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tmpl, ok := s.templates[deviceType]
	if !ok {
		return nil, errs.NotFound("template", deviceType)
	}
	out := *tmpl
	return &out, nil
}

// RebuildIndexes regenerates the type and online indexes from the primary
// map, used after crash recovery.
func (s *MemoryStore) RebuildIndexes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byType = make(map[string]map[string]struct{})
	s.byOnline = map[bool]map[string]struct{}{true: {}, false: {}}
	for _, state := range s.devices {
		s.indexLocked(state)
	}
}

func (s *MemoryStore) indexLocked(state *models.DeviceState) {
	bucket, ok := s.byType[state.DeviceType]
	if !ok {
		bucket = make(map[string]struct{})
		s.byType[state.DeviceType] = bucket
	}
	bucket[state.DeviceID] = struct{}{}
	s.byOnline[state.Online][state.DeviceID] = struct{}{}
}

func (s *MemoryStore) unindexLocked(state *models.DeviceState) {
	if bucket, ok := s.byType[state.DeviceType]; ok {
		delete(bucket, state.DeviceID)
		if len(bucket) == 0 {
			delete(s.byType, state.DeviceType)
		}
	}
	delete(s.byOnline[state.Online], state.DeviceID)
}

func (s *MemoryStore) collectLocked(ids map[string]struct{}) []*models.DeviceState {
	out := make([]*models.DeviceState, 0, len(ids))
	for id := range ids {
		if state, ok := s.devices[id]; ok {
			out = append(out, state.Clone())
		}
	}
	sortStates(out)
	return out
}

func sortStates(states []*models.DeviceState) {
	sort.Slice(states, func(i, j int) bool { return states[i].DeviceID < states[j].DeviceID })
}
