// Package extract maps raw device payloads onto the metric schema. A device
// type's template decides the mode: Simple templates keep only the raw
// payload, templates with declared metrics drive path-based extraction, and
// untyped payloads fall back to a recursive auto-extract walk.
package extract

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/pkg/models"
)

// Mode identifies which extraction strategy produced a result.
type Mode string

const (
	ModeRawOnly        Mode = "raw_only"
	ModeTemplateDriven Mode = "template_driven"
	ModeAutoExtract    Mode = "auto_extract"
)

// RawMetricName is the reserved metric holding the whole payload.
const RawMetricName = "_raw"

// ExtractedMetric is one metric produced from a payload.
type ExtractedMetric struct {
	Name       string
	Value      models.MetricValue
	SourcePath string
}

// Result bundles the extracted metrics with the mode that produced them.
type Result struct {
	DeviceID string
	Metrics  []ExtractedMetric
	Mode     Mode
}

// Config controls extraction behavior.
type Config struct {
	// StoreRaw always emits the payload as a _raw metric.
	StoreRaw bool
	// AutoExtract enables the recursive walk when no template applies.
	AutoExtract bool
	// MaxDepth bounds both path resolution and the auto-extract recursion.
	MaxDepth int
	// MaxInlineArray is the largest homogeneous array flattened with
	// numeric indices; larger or mixed arrays are stored JSON-encoded.
	MaxInlineArray int
}

// DefaultConfig returns the extraction defaults.
func DefaultConfig() Config {
	return Config{
		StoreRaw:       true,
		AutoExtract:    true,
		MaxDepth:       10,
		MaxInlineArray: 10,
	}
}

// TemplateProvider resolves a device type's template, if one is registered.
type TemplateProvider interface {
	GetTemplate(ctx context.Context, deviceType string) (*models.DeviceTemplate, error)
}

// Extractor normalises raw device payloads into typed metrics.
type Extractor struct {
	templates TemplateProvider
	config    Config
	logger    *slog.Logger
}

// New creates an Extractor. templates may be nil, in which case every
// payload goes through auto-extract (or raw-only if that is disabled).
func New(templates TemplateProvider, config Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = DefaultConfig().MaxDepth
	}
	if config.MaxInlineArray <= 0 {
		config.MaxInlineArray = DefaultConfig().MaxInlineArray
	}
	return &Extractor{templates: templates, config: config, logger: logger}
}

// Extract produces the metric list for one payload.
func (e *Extractor) Extract(ctx context.Context, deviceID, deviceType string, raw json.RawMessage) (*Result, error) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errs.Serialization("payload is not valid JSON", err)
	}

	result := &Result{DeviceID: deviceID}

	if e.config.StoreRaw {
		result.Metrics = append(result.Metrics, ExtractedMetric{
			Name:       RawMetricName,
			Value:      models.NewStringMetric(string(raw)),
			SourcePath: "$",
		})
	}

	var template *models.DeviceTemplate
	if e.templates != nil {
		tmpl, err := e.templates.GetTemplate(ctx, deviceType)
		if err == nil {
			template = tmpl
		}
	}

	switch {
	case template != nil && template.Mode == models.DeviceTemplateModeSimple:
		result.Mode = ModeRawOnly
		if !e.config.StoreRaw {
			result.Metrics = append(result.Metrics, ExtractedMetric{
				Name:       RawMetricName,
				Value:      models.NewStringMetric(string(raw)),
				SourcePath: "$",
			})
		}

	case template != nil && len(template.Metrics) > 0:
		result.Mode = ModeTemplateDriven
		for _, def := range template.Metrics {
			val, ok, err := ExtractByPath(data, def.Name, e.config.MaxDepth)
			if err != nil {
				e.logger.Warn("metric path exceeds max depth",
					"device_id", deviceID, "metric", def.Name, "error", err)
				continue
			}
			if !ok {
				// Non-resolvable paths (malformed, bad index) are
				// silently skipped; a path resolving to null still
				// produces a Null metric below.
				continue
			}
			result.Metrics = append(result.Metrics, ExtractedMetric{
				Name:       def.Name,
				Value:      e.toMetricValue(val),
				SourcePath: "$." + def.Name,
			})
		}

	case e.config.AutoExtract:
		result.Mode = ModeAutoExtract
		e.autoExtract(data, "", 0, &result.Metrics)

	default:
		result.Mode = ModeRawOnly
		if !e.config.StoreRaw {
			result.Metrics = append(result.Metrics, ExtractedMetric{
				Name:       RawMetricName,
				Value:      models.NewStringMetric(string(raw)),
				SourcePath: "$",
			})
		}
	}

	return result, nil
}

// autoExtract walks the payload emitting a metric per primitive leaf, the
// metric name being the dot-joined path. Pure-object intermediate layers
// contribute a path segment but no metric of their own.
func (e *Extractor) autoExtract(data any, prefix string, depth int, out *[]ExtractedMetric) {
	if depth >= e.config.MaxDepth {
		e.logger.Warn("auto-extract hit max depth", "path", prefix)
		return
	}

	obj, ok := data.(map[string]any)
	if !ok {
		if prefix != "" {
			*out = append(*out, ExtractedMetric{
				Name:       prefix,
				Value:      e.toMetricValue(data),
				SourcePath: "$." + prefix,
			})
		}
		return
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if key == RawMetricName {
			continue
		}
		value := obj[key]
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			if len(v) == 0 {
				continue
			}
			e.autoExtract(v, path, depth+1, out)
		case []any:
			if e.flattenableArray(v) {
				for i, item := range v {
					*out = append(*out, ExtractedMetric{
						Name:       path + "." + strconv.Itoa(i),
						Value:      e.toMetricValue(item),
						SourcePath: "$." + path + "[" + strconv.Itoa(i) + "]",
					})
				}
			} else {
				*out = append(*out, ExtractedMetric{
					Name:       path,
					Value:      e.toMetricValue(value),
					SourcePath: "$." + path,
				})
			}
		default:
			*out = append(*out, ExtractedMetric{
				Name:       path,
				Value:      e.toMetricValue(value),
				SourcePath: "$." + path,
			})
		}
	}
}

// flattenableArray reports whether an array is small and homogeneous enough
// to flatten into indexed metrics rather than a JSON-encoded string.
func (e *Extractor) flattenableArray(arr []any) bool {
	if len(arr) == 0 || len(arr) > e.config.MaxInlineArray {
		return false
	}
	kind := ""
	for _, item := range arr {
		k := jsonKind(item)
		if k == "object" || k == "array" {
			return false
		}
		if kind == "" {
			kind = k
		} else if k != kind && k != "null" && kind != "null" {
			return false
		}
	}
	return true
}

func jsonKind(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "bool"
	case float64:
		return "number"
	case nil:
		return "null"
	default:
		return "other"
	}
}

// toMetricValue coerces a decoded JSON value to the metric union: integer
// numbers become Integer, other numbers Float, arrays and objects are
// JSON-encoded strings.
func (e *Extractor) toMetricValue(v any) models.MetricValue {
	switch val := v.(type) {
	case nil:
		return models.NewNullMetric()
	case bool:
		return models.NewBoolMetric(val)
	case string:
		return models.NewStringMetric(val)
	case float64:
		if val == float64(int64(val)) {
			return models.NewIntegerMetric(int64(val))
		}
		return models.NewFloatMetric(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return models.NewIntegerMetric(i)
		}
		if f, err := val.Float64(); err == nil {
			return models.NewFloatMetric(f)
		}
		return models.NewNullMetric()
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return models.NewNullMetric()
		}
		return models.NewStringMetric(string(encoded))
	}
}
