package extract

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/edgemind/edgemind/pkg/models"
)

type staticTemplates map[string]*models.DeviceTemplate

func (s staticTemplates) GetTemplate(_ context.Context, deviceType string) (*models.DeviceTemplate, error) {
	tmpl, ok := s[deviceType]
	if !ok {
		return nil, errNoTemplate
	}
	return tmpl, nil
}

var errNoTemplate = errNotFound("template")

type errNotFound string

func (e errNotFound) Error() string { return string(e) + " not found" }

func metricsByName(result *Result) map[string]models.MetricValue {
	out := make(map[string]models.MetricValue, len(result.Metrics))
	for _, m := range result.Metrics {
		out[m.Name] = m.Value
	}
	return out
}

func TestExtract_TemplateDriven(t *testing.T) {
	templates := staticTemplates{
		"dht22": {
			ID:   "dht22",
			Mode: models.DeviceTemplateModeTemplate,
			Metrics: []models.MetricDefinition{
				{Name: "temperature"},
				{Name: "humidity"},
			},
		},
	}
	ex := New(templates, DefaultConfig(), nil)

	result, err := ex.Extract(context.Background(), "dev-1", "dht22",
		json.RawMessage(`{"temperature": 25.5, "humidity": 60, "extra": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.Mode != ModeTemplateDriven {
		t.Fatalf("expected template mode, got %s", result.Mode)
	}

	byName := metricsByName(result)
	if v := byName["temperature"]; v.Kind != models.MetricKindFloat || v.Float != 25.5 {
		t.Errorf("temperature: got %+v", v)
	}
	if v := byName["humidity"]; v.Kind != models.MetricKindInteger || v.Integer != 60 {
		t.Errorf("humidity: got %+v", v)
	}
	if _, ok := byName["extra"]; ok {
		t.Error("undeclared metric 'extra' must not be surfaced in template mode")
	}
	if _, ok := byName[RawMetricName]; !ok {
		t.Error("_raw should be stored when configured")
	}
}

func TestExtract_TemplateMissingKeyResolvesNull(t *testing.T) {
	templates := staticTemplates{
		"dht22": {
			Mode:    models.DeviceTemplateModeTemplate,
			Metrics: []models.MetricDefinition{{Name: "temperature"}, {Name: "pressure"}},
		},
	}
	cfg := DefaultConfig()
	cfg.StoreRaw = false
	ex := New(templates, cfg, nil)

	result, err := ex.Extract(context.Background(), "dev-1", "dht22",
		json.RawMessage(`{"temperature": 20}`))
	if err != nil {
		t.Fatal(err)
	}
	byName := metricsByName(result)
	// A key that is merely absent resolves to null, a valid metric value.
	if v, ok := byName["pressure"]; !ok || v.Kind != models.MetricKindNull {
		t.Errorf("absent key should surface as a null metric, got %+v (ok=%v)", v, ok)
	}
	if v, ok := byName["temperature"]; !ok || v.Integer != 20 {
		t.Errorf("temperature should still extract, got %+v (ok=%v)", v, ok)
	}
}

func TestExtract_AutoExtract(t *testing.T) {
	ex := New(nil, DefaultConfig(), nil)
	result, err := ex.Extract(context.Background(), "dev-1", "unknown",
		json.RawMessage(`{"temperature": 25.5, "humidity": 60, "extra": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.Mode != ModeAutoExtract {
		t.Fatalf("expected auto-extract mode, got %s", result.Mode)
	}
	byName := metricsByName(result)
	for _, name := range []string{"temperature", "humidity", "extra"} {
		if _, ok := byName[name]; !ok {
			t.Errorf("auto-extract should surface %q", name)
		}
	}
}

func TestExtract_AutoExtractNested(t *testing.T) {
	ex := New(nil, DefaultConfig(), nil)
	result, err := ex.Extract(context.Background(), "dev-1", "unknown",
		json.RawMessage(`{"values": {"battery": 87, "rssi": -70}, "tags": ["a", "b"]}`))
	if err != nil {
		t.Fatal(err)
	}
	byName := metricsByName(result)
	// Pure-object intermediate layers contribute a path segment only.
	if _, ok := byName["values"]; ok {
		t.Error("intermediate object layer must not be its own metric")
	}
	if v := byName["values.battery"]; v.Kind != models.MetricKindInteger || v.Integer != 87 {
		t.Errorf("values.battery: got %+v", v)
	}
	// Small homogeneous array flattens with numeric indices.
	if v := byName["tags.0"]; v.Kind != models.MetricKindString || v.Str != "a" {
		t.Errorf("tags.0: got %+v", v)
	}
}

func TestExtract_HeterogeneousArrayEncoded(t *testing.T) {
	ex := New(nil, DefaultConfig(), nil)
	result, err := ex.Extract(context.Background(), "dev-1", "unknown",
		json.RawMessage(`{"mixed": [1, "two", {"three": 3}]}`))
	if err != nil {
		t.Fatal(err)
	}
	byName := metricsByName(result)
	v, ok := byName["mixed"]
	if !ok || v.Kind != models.MetricKindString {
		t.Fatalf("mixed array should be a JSON-encoded string metric, got %+v", v)
	}
	var back []any
	if err := json.Unmarshal([]byte(v.Str), &back); err != nil {
		t.Fatalf("encoded array should round-trip: %v", err)
	}
}

func TestExtract_SimpleModeRawOnly(t *testing.T) {
	templates := staticTemplates{
		"cam": {Mode: models.DeviceTemplateModeSimple},
	}
	ex := New(templates, DefaultConfig(), nil)
	result, err := ex.Extract(context.Background(), "dev-1", "cam",
		json.RawMessage(`{"frame": "..."}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.Mode != ModeRawOnly {
		t.Fatalf("expected raw-only mode, got %s", result.Mode)
	}
	if len(result.Metrics) != 1 || result.Metrics[0].Name != RawMetricName {
		t.Errorf("simple mode must emit only _raw, got %+v", result.Metrics)
	}
}

func TestExtract_RawRoundTrip(t *testing.T) {
	payload := json.RawMessage(`{"b": 2, "a": {"c": [1, 2, 3]}}`)
	ex := New(nil, DefaultConfig(), nil)
	result, err := ex.Extract(context.Background(), "dev-1", "unknown", payload)
	if err != nil {
		t.Fatal(err)
	}
	var raw string
	for _, m := range result.Metrics {
		if m.Name == RawMetricName {
			raw = m.Value.Str
		}
	}
	var original, reencoded any
	if err := json.Unmarshal(payload, &original); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(raw), &reencoded); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(original, reencoded) {
		t.Error("_raw metric must round-trip to the original document")
	}
}

func TestExtract_InvalidJSON(t *testing.T) {
	ex := New(nil, DefaultConfig(), nil)
	if _, err := ex.Extract(context.Background(), "dev-1", "unknown", json.RawMessage(`{not json`)); err == nil {
		t.Fatal("invalid payload must fail with a serialization error")
	}
}
