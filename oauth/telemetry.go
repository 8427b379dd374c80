package oauth

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/mapdesk/mapdesk/events"
)

const instrumentationName = "github.com/mapdesk/mapdesk/oauth"

// AuthorizationEvent is emitted through the events package every time an attempt is resolved.
type AuthorizationEvent struct {
	ServiceURI string
	Status     Status
	Error      string
}

type instruments struct {
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

var telemetry = newInstruments()

func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	outcomes, err := meter.Int64Counter("oauth.authorization.outcomes",
		metric.WithDescription("Resolved authorization attempts by status"))
	if err != nil {
		slog.Warn("failed to create oauth.authorization.outcomes metric", slog.Any("error", err))
		outcomes = &noop.Int64Counter{}
	}
	duration, err := meter.Float64Histogram("oauth.authorization.duration",
		metric.WithDescription("Time from starting an authorization to its resolution"),
		metric.WithUnit("s"))
	if err != nil {
		slog.Warn("failed to create oauth.authorization.duration metric", slog.Any("error", err))
		duration = &noop.Float64Histogram{}
	}
	return &instruments{outcomes: outcomes, duration: duration}
}

func startSpan(req Request) trace.Span {
	_, span := otel.Tracer(instrumentationName).Start(context.Background(), "oauth.authorize",
		trace.WithAttributes(attribute.String("oauth.service_uri", req.ServiceURI)))
	return span
}

func recordOutcome(span trace.Span, req Request, res Result, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", res.Status.String()))
	ctx := context.Background()
	telemetry.outcomes.Add(ctx, 1, attrs)
	telemetry.duration.Record(ctx, elapsed.Seconds(), attrs)

	evt := AuthorizationEvent{ServiceURI: req.ServiceURI, Status: res.Status}
	if span != nil {
		span.SetAttributes(attribute.String("oauth.status", res.Status.String()))
		if res.Status == StatusFailed {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
	}
	if res.Err != nil {
		evt.Error = res.Err.Error()
	}
	events.Emit(evt)
}
