package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "push-auth-control-plane/pushauth"

type engineMetrics struct {
	initiated  metric.Int64Counter
	responses  metric.Int64Counter
	deliveries metric.Int64Counter
	exchanges  metric.Int64Counter
	swept      metric.Int64Counter
	fanout     metric.Float64Histogram
}

func newEngineMetrics(m metric.Meter) (*engineMetrics, error) {
	var em engineMetrics
	var err error
	if em.initiated, err = m.Int64Counter("pushauth.challenges.initiated",
		metric.WithDescription("Initiate calls by outcome code")); err != nil {
		return nil, err
	}
	if em.responses, err = m.Int64Counter("pushauth.responses",
		metric.WithDescription("Device responses by outcome code")); err != nil {
		return nil, err
	}
	if em.deliveries, err = m.Int64Counter("pushauth.deliveries",
		metric.WithDescription("Push deliveries by status")); err != nil {
		return nil, err
	}
	if em.exchanges, err = m.Int64Counter("pushauth.exchanges",
		metric.WithDescription("Session exchanges by outcome code")); err != nil {
		return nil, err
	}
	if em.swept, err = m.Int64Counter("pushauth.sweeper.rows",
		metric.WithDescription("Challenges expired or deleted by the sweeper")); err != nil {
		return nil, err
	}
	if em.fanout, err = m.Float64Histogram("pushauth.fanout.duration",
		metric.WithDescription("Time to dispatch one challenge to all devices"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &em, nil
}

func codeAttr(c Code) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("code", string(c)))
}

func (m *engineMetrics) countInitiate(ctx context.Context, c Code) {
	m.initiated.Add(ctx, 1, codeAttr(c))
}
func (m *engineMetrics) countResponse(ctx context.Context, c Code) {
	m.responses.Add(ctx, 1, codeAttr(c))
}
func (m *engineMetrics) countExchange(ctx context.Context, c Code) {
	m.exchanges.Add(ctx, 1, codeAttr(c))
}

func (m *engineMetrics) countDelivery(ctx context.Context, status string) {
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *engineMetrics) countSwept(ctx context.Context, kind string, n int64) {
	if n > 0 {
		m.swept.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
