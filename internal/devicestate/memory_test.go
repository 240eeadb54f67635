package devicestate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/pkg/models"
)

func newState(id, deviceType string, online bool) *models.DeviceState {
	return &models.DeviceState{
		DeviceID:   id,
		DeviceType: deviceType,
		Online:     online,
		LastSeen:   time.Now(),
		Metrics:    map[string]models.MetricPoint{},
	}
}

func TestMemoryStore_SaveGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Get(ctx, "missing"); err == nil {
		t.Fatal("missing device must return not-found")
	} else {
		var nf *errs.NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("expected NotFoundError, got %T", err)
		}
	}

	if err := store.Save(ctx, newState("dev-1", "dht22", true)); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceType != "dht22" || !got.Online {
		t.Errorf("unexpected state: %+v", got)
	}
	if got.LastUpdated.IsZero() || got.CreatedAt.IsZero() {
		t.Error("save must stamp created_at and last_updated")
	}
}

func TestMemoryStore_IndexConsistency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_ = store.Save(ctx, newState("a", "sensor", true))
	_ = store.Save(ctx, newState("b", "sensor", false))
	_ = store.Save(ctx, newState("c", "camera", true))

	check := func() {
		t.Helper()
		all, _ := store.ListAll(ctx)
		for _, state := range all {
			byType, _ := store.ListByType(ctx, state.DeviceType)
			found := false
			for _, s := range byType {
				if s.DeviceID == state.DeviceID {
					found = true
				}
			}
			if !found {
				t.Errorf("device %s missing from type index %q", state.DeviceID, state.DeviceType)
			}
			var onlineList []*models.DeviceState
			if state.Online {
				onlineList, _ = store.ListOnline(ctx)
			} else {
				onlineList, _ = store.ListOffline(ctx)
			}
			found = false
			for _, s := range onlineList {
				if s.DeviceID == state.DeviceID {
					found = true
				}
			}
			if !found {
				t.Errorf("device %s missing from online index (online=%v)", state.DeviceID, state.Online)
			}
		}
	}
	check()

	// Online transition moves the device between online-index buckets.
	if err := store.UpdateOnline(ctx, "b", true); err != nil {
		t.Fatal(err)
	}
	check()

	// Type change on re-save moves the device between type buckets.
	_ = store.Save(ctx, newState("c", "thermostat", true))
	check()
	cams, _ := store.ListByType(ctx, "camera")
	if len(cams) != 0 {
		t.Error("stale type index entry after re-save")
	}

	// Delete removes from both indexes.
	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	sensors, _ := store.ListByType(ctx, "sensor")
	for _, s := range sensors {
		if s.DeviceID == "a" {
			t.Error("deleted device still in type index")
		}
	}
	online, _ := store.ListOnline(ctx)
	for _, s := range online {
		if s.DeviceID == "a" {
			t.Error("deleted device still in online index")
		}
	}
}

func TestMemoryStore_UpdateMetricsRefreshesTimestamps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Save(ctx, newState("dev-1", "dht22", true))

	before, _ := store.Get(ctx, "dev-1")
	time.Sleep(5 * time.Millisecond)

	err := store.UpdateMetric(ctx, "dev-1", "temp", models.MetricPoint{
		Value:   models.NewFloatMetric(21.5),
		Quality: models.QualityGood,
	})
	if err != nil {
		t.Fatal(err)
	}

	after, _ := store.Get(ctx, "dev-1")
	if !after.LastUpdated.After(before.LastUpdated) {
		t.Error("metric update must refresh last_updated")
	}
	if !after.LastSeen.After(before.LastSeen) {
		t.Error("metric update must refresh last_seen")
	}
	point, ok := after.Metrics["temp"]
	if !ok || point.Value.Float != 21.5 {
		t.Errorf("metric not stored: %+v", point)
	}
	if point.Timestamp.IsZero() {
		t.Error("metric point should carry a timestamp")
	}
	// Invariant: last_updated >= last_seen >= creation.
	if after.LastUpdated.Before(after.LastSeen) || after.LastSeen.Before(after.CreatedAt) {
		t.Error("timestamp ordering invariant violated")
	}
}

func TestMemoryStore_Query(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Save(ctx, newState("a", "sensor", true))
	_ = store.Save(ctx, newState("b", "sensor", false))
	_ = store.Save(ctx, newState("c", "camera", true))

	online := true
	got, err := store.Query(ctx, Filter{DeviceType: "sensor", Online: &online})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DeviceID != "a" {
		t.Errorf("unexpected query result: %+v", got)
	}
}

func TestMemoryStore_RebuildIndexes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Save(ctx, newState("a", "sensor", true))
	_ = store.Save(ctx, newState("b", "camera", false))

	store.RebuildIndexes()

	sensors, _ := store.ListByType(ctx, "sensor")
	if len(sensors) != 1 || sensors[0].DeviceID != "a" {
		t.Error("type index wrong after rebuild")
	}
	offline, _ := store.ListOffline(ctx)
	if len(offline) != 1 || offline[0].DeviceID != "b" {
		t.Error("online index wrong after rebuild")
	}
}

func TestMemoryStore_Templates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.GetTemplate(ctx, "dht22"); err == nil {
		t.Fatal("missing template must return not-found")
	}
	tmpl := &models.DeviceTemplate{
		ID:      "dht22",
		Mode:    models.DeviceTemplateModeTemplate,
		Metrics: []models.MetricDefinition{{Name: "temperature"}},
	}
	if err := store.SaveTemplate(ctx, "dht22", tmpl); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetTemplate(ctx, "dht22")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "dht22" || len(got.Metrics) != 1 {
		t.Errorf("unexpected template: %+v", got)
	}
}

func TestCachedStore_InvalidatesOnWrite(t *testing.T) {
	ctx := context.Background()
	store := NewCachedStore(NewMemoryStore(), DefaultCacheConfig())
	defer store.Close()

	_ = store.Save(ctx, newState("dev-1", "dht22", false))

	// Prime the cache.
	if _, err := store.Get(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}

	if err := store.UpdateOnline(ctx, "dev-1", true); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Online {
		t.Error("cache served stale state after write")
	}

	stats := store.CacheStats()
	if stats.Hits+stats.Misses == 0 {
		t.Error("cache stats should record accesses")
	}
}
