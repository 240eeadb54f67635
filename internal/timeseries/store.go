// Package timeseries stores append-only metric points keyed by
// (device, metric, timestamp).
package timeseries

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/pkg/models"
)

// QueryOptions bound a range query.
type QueryOptions struct {
	From  time.Time
	To    time.Time
	Limit int
}

// Store persists metric samples. Points are never mutated in place.
type Store interface {
	Append(ctx context.Context, point models.TimeSeriesPoint) error
	AppendBatch(ctx context.Context, points []models.TimeSeriesPoint) error
	Query(ctx context.Context, deviceID, metric string, opts QueryOptions) ([]models.TimeSeriesPoint, error)
	Latest(ctx context.Context, deviceID, metric string) (*models.TimeSeriesPoint, error)
	// Prune removes points older than the cutoff; returns the count removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

type seriesKey struct {
	deviceID string
	metric   string
}

// MemoryStore keeps samples in memory, sorted by timestamp per series.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[seriesKey][]models.TimeSeriesPoint
}

// NewMemoryStore returns an empty in-memory time-series store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[seriesKey][]models.TimeSeriesPoint)}
}

// Append records one sample.
func (s *MemoryStore) Append(ctx context.Context, point models.TimeSeriesPoint) error {
	return s.AppendBatch(ctx, []models.TimeSeriesPoint{point})
}

// AppendBatch records samples in one lock acquisition.
func (s *MemoryStore) AppendBatch(_ context.Context, points []models.TimeSeriesPoint) error {
	if len(points) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		if p.Timestamp.IsZero() {
			p.Timestamp = time.Now()
		}
		key := seriesKey{deviceID: p.DeviceID, metric: p.Metric}
		existing := s.series[key]
		// Single-writer adapters append in order; out-of-order arrivals
		// from other producers are inserted at the right position.
		if n := len(existing); n == 0 || !existing[n-1].Timestamp.After(p.Timestamp) {
			s.series[key] = append(existing, p)
		} else {
			idx := sort.Search(n, func(i int) bool {
				return existing[i].Timestamp.After(p.Timestamp)
			})
			existing = append(existing, models.TimeSeriesPoint{})
			copy(existing[idx+1:], existing[idx:])
			existing[idx] = p
			s.series[key] = existing
		}
	}
	return nil
}

// Query returns samples for one series within [From, To], oldest first.
// Zero From/To mean unbounded; Limit caps the newest samples returned.
func (s *MemoryStore) Query(_ context.Context, deviceID, metric string, opts QueryOptions) ([]models.TimeSeriesPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	points, ok := s.series[seriesKey{deviceID: deviceID, metric: metric}]
	if !ok {
		return nil, nil
	}
	out := make([]models.TimeSeriesPoint, 0, len(points))
	for _, p := range points {
		if !opts.From.IsZero() && p.Timestamp.Before(opts.From) {
			continue
		}
		if !opts.To.IsZero() && p.Timestamp.After(opts.To) {
			continue
		}
		out = append(out, p)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

// Latest returns the newest sample for a series.
func (s *MemoryStore) Latest(_ context.Context, deviceID, metric string) (*models.TimeSeriesPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	points, ok := s.series[seriesKey{deviceID: deviceID, metric: metric}]
	if !ok || len(points) == 0 {
		return nil, errs.NotFound("series", deviceID+"/"+metric)
	}
	p := points[len(points)-1]
	return &p, nil
}

// Prune drops samples older than the cutoff.
func (s *MemoryStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, points := range s.series {
		idx := sort.Search(len(points), func(i int) bool {
			return !points[i].Timestamp.Before(olderThan)
		})
		if idx == 0 {
			continue
		}
		removed += int64(idx)
		if idx == len(points) {
			delete(s.series, key)
			continue
		}
		s.series[key] = append([]models.TimeSeriesPoint(nil), points[idx:]...)
	}
	return removed, nil
}
