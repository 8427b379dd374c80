// Package telemetry sets up OpenTelemetry export for the sign-in flow.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/Xuanwo/go-locale"
	"github.com/getlantern/osversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc/credentials"

	"github.com/mapdesk/mapdesk/app"
	"github.com/mapdesk/mapdesk/config"
)

var (
	initMutex    sync.Mutex
	current      *config.Telemetry
	shutdownOTEL func(context.Context) error
)

// OnNewConfig (re)initializes export when the telemetry section of the config changed.
func OnNewConfig(cfg *config.Config) error {
	initMutex.Lock()
	defer initMutex.Unlock()

	if current != nil && reflect.DeepEqual(*current, cfg.Telemetry) {
		slog.Debug("OpenTelemetry configuration has not changed, skipping initialization")
		return nil
	}
	if err := shutdownLocked(context.Background()); err != nil {
		return err
	}
	tc := cfg.Telemetry
	current = &tc
	if tc.Endpoint == "" || (!tc.Traces && !tc.Metrics) {
		slog.Debug("No otel endpoint configured, skipping OpenTelemetry initialization")
		return nil
	}

	shutdown, err := setupOTelSDK(context.Background(), tc)
	if err != nil {
		slog.Error("Failed to start OpenTelemetry SDK", "error", err)
		return fmt.Errorf("failed to start OpenTelemetry SDK: %w", err)
	}
	shutdownOTEL = shutdown
	return nil
}

// Close flushes and stops export.
func Close(ctx context.Context) error {
	initMutex.Lock()
	defer initMutex.Unlock()
	current = nil
	return shutdownLocked(ctx)
}

func shutdownLocked(ctx context.Context) error {
	if shutdownOTEL == nil {
		return nil
	}
	slog.Info("Shutting down existing OpenTelemetry SDK")
	err := shutdownOTEL(ctx)
	shutdownOTEL = nil
	if err != nil {
		slog.Error("Failed to shutdown OpenTelemetry SDK", "error", err)
		return fmt.Errorf("failed to shutdown OpenTelemetry SDK: %w", err)
	}
	return nil
}

type attributes struct {
	OSVersion      string
	LocaleLanguage string
	LocaleCountry  string
}

func detectAttributes() attributes {
	var a attributes
	if osStr, err := osversion.GetHumanReadable(); err == nil {
		a.OSVersion = osStr
	} else {
		slog.Debug("Failed to detect OS version", "error", err)
	}
	if tag, err := locale.Detect(); err == nil {
		base, _ := tag.Base()
		a.LocaleLanguage = base.String()
		if region, conf := tag.Region(); conf > 0 {
			a.LocaleCountry = region.String()
		}
	} else {
		slog.Debug("Failed to detect system locale", "error", err)
	}
	return a
}

func buildResources(a attributes) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceNameKey.String(app.AppName),
		semconv.ServiceVersionKey.String(app.Version),
		attribute.String("library.language", "go"),
		attribute.String("library.language.version", runtime.Version()),
		attribute.String("locale.language", a.LocaleLanguage),
		attribute.String("locale.country", a.LocaleCountry),
		attribute.String("os.name", runtime.GOOS),
		attribute.String("os.arch", runtime.GOARCH),
		attribute.String("os.version", a.OSVersion),
	}
}

// setupOTelSDK bootstraps the OpenTelemetry pipeline.
// If it does not return an error, make sure to call shutdown for proper cleanup.
func setupOTelSDK(ctx context.Context, cfg config.Telemetry) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}
	res, err := resource.New(ctx, resource.WithAttributes(buildResources(detectAttributes())...))
	if err != nil {
		return shutdown, fmt.Errorf("failed to create resource: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Traces {
		fn, err := initTracer(ctx, res, cfg)
		if err != nil {
			return shutdown, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, fn)
		slog.Info("OpenTelemetry tracer initialized")
	}
	if cfg.Metrics {
		fn, err := initMeterProvider(ctx, res, cfg)
		if err != nil {
			return shutdown, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, fn)
	}
	return shutdown, nil
}

func initTracer(ctx context.Context, res *resource.Resource, cfg config.Telemetry) (func(context.Context) error, error) {
	exporter, err := otlptrace.New(
		ctx,
		otlptracegrpc.NewClient(
			otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")),
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithHeaders(cfg.Headers),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TracesSampleRate))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	return func(ctx context.Context) error {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		if err := exporter.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown exporter: %w", err)
		}
		return nil
	}, nil
}

func initMeterProvider(ctx context.Context, res *resource.Resource, cfg config.Telemetry) (func(context.Context) error, error) {
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")),
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.MetricsInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(time.Duration(cfg.MetricsInterval)*time.Second))
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, readerOpts...)),
	)
	otel.SetMeterProvider(meterProvider)
	return meterProvider.Shutdown, nil
}
