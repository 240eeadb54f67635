package deviceadapters

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/edgemind/edgemind/internal/devicestate"
	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/internal/eventbus"
	"github.com/edgemind/edgemind/internal/extract"
	"github.com/edgemind/edgemind/internal/timeseries"
	"github.com/edgemind/edgemind/pkg/models"
)

// Pipeline is the shared ingress path: every adapter feeds its device
// events here, where payloads are extracted, recorded into the state and
// time-series stores, and published onto the event bus.
type Pipeline struct {
	Extractor *extract.Extractor
	States    devicestate.Store
	Series    timeseries.Store
	Bus       *eventbus.Bus
	Logger    *slog.Logger
}

// Run consumes an adapter's event stream until the context ends or the
// stream closes. Adapter-level errors are logged, never fatal.
func (p *Pipeline) Run(ctx context.Context, source string, events <-chan DeviceEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Handle(ctx, source, ev); err != nil {
				p.logger().Warn("ingress event failed",
					"source", source, "device_id", ev.DeviceID, "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Handle processes one adapter event.
func (p *Pipeline) Handle(ctx context.Context, source string, ev DeviceEvent) error {
	switch ev.Kind {
	case DeviceEventOnline:
		return p.handleOnline(ctx, source, ev)
	case DeviceEventOffline:
		return p.handleOffline(ctx, source, ev)
	case DeviceEventMetric:
		return p.handleMetric(ctx, source, ev)
	default:
		return errs.InvalidArguments("kind", "unknown device event kind")
	}
}

func (p *Pipeline) handleOnline(ctx context.Context, source string, ev DeviceEvent) error {
	if err := p.ensureDevice(ctx, ev); err != nil {
		return err
	}
	if err := p.States.UpdateOnline(ctx, ev.DeviceID, true); err != nil {
		return err
	}
	p.publish(eventbus.Event{
		Type: eventbus.TypeDeviceOnline,
		DeviceOnline: &eventbus.DeviceOnlinePayload{
			DeviceID:   ev.DeviceID,
			DeviceType: ev.DeviceType,
			Timestamp:  ev.Timestamp,
		},
	}, source)
	return nil
}

func (p *Pipeline) handleOffline(ctx context.Context, source string, ev DeviceEvent) error {
	if err := p.States.UpdateOnline(ctx, ev.DeviceID, false); err != nil {
		return err
	}
	p.publish(eventbus.Event{
		Type: eventbus.TypeDeviceOffline,
		DeviceOffline: &eventbus.DeviceOfflinePayload{
			DeviceID:  ev.DeviceID,
			Reason:    ev.Reason,
			Timestamp: ev.Timestamp,
		},
	}, source)
	return nil
}

func (p *Pipeline) handleMetric(ctx context.Context, source string, ev DeviceEvent) error {
	if err := p.ensureDevice(ctx, ev); err != nil {
		return err
	}

	result, err := p.Extractor.Extract(ctx, ev.DeviceID, ev.DeviceType, ev.Payload)
	if err != nil {
		return err
	}

	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	points := make(map[string]models.MetricPoint, len(result.Metrics))
	samples := make([]models.TimeSeriesPoint, 0, len(result.Metrics))
	for _, m := range result.Metrics {
		points[m.Name] = models.MetricPoint{Value: m.Value, Timestamp: now, Quality: models.QualityGood}
		if m.Name == extract.RawMetricName {
			continue
		}
		samples = append(samples, models.TimeSeriesPoint{
			DeviceID:  ev.DeviceID,
			Metric:    m.Name,
			Timestamp: now,
			Value:     m.Value,
			Quality:   models.QualityGood,
		})
	}

	if err := p.States.UpdateMetrics(ctx, ev.DeviceID, points); err != nil {
		return err
	}
	if err := p.States.UpdateOnline(ctx, ev.DeviceID, true); err != nil {
		return err
	}
	if p.Series != nil {
		if err := p.Series.AppendBatch(ctx, samples); err != nil {
			return err
		}
	}

	for _, sample := range samples {
		p.publish(eventbus.Event{
			Type: eventbus.TypeDeviceMetric,
			DeviceMetric: &eventbus.DeviceMetricPayload{
				DeviceID:  sample.DeviceID,
				Metric:    sample.Metric,
				Value:     sample.Value,
				Quality:   string(sample.Quality),
				Timestamp: sample.Timestamp,
			},
		}, source)
	}
	return nil
}

// ensureDevice creates the state record on first contact.
func (p *Pipeline) ensureDevice(ctx context.Context, ev DeviceEvent) error {
	_, err := p.States.Get(ctx, ev.DeviceID)
	if err == nil {
		return nil
	}
	var nf *errs.NotFoundError
	if !errors.As(err, &nf) {
		return err
	}
	return p.States.Save(ctx, &models.DeviceState{
		DeviceID:   ev.DeviceID,
		DeviceType: ev.DeviceType,
		Online:     ev.Kind != DeviceEventOffline,
		LastSeen:   ev.Timestamp,
		Metrics:    map[string]models.MetricPoint{},
	})
}

func (p *Pipeline) publish(ev eventbus.Event, source string) {
	if p.Bus == nil {
		return
	}
	p.Bus.Publish(ev, eventbus.Metadata{Source: source, Timestamp: time.Now()})
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
