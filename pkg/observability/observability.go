// Package observability owns the process logger and the OpenTelemetry
// providers. The core packages stay network-free: settlement increments
// through pdo.Counters and the edges call the provider's counter methods;
// this package adapts both onto OTLP instruments. Export is off unless an
// endpoint is configured, and every counter method is a no-op then.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/pdo"
)

// Config configures telemetry export. An empty Endpoint disables export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Endpoint is the OTLP gRPC target, e.g. "localhost:4317".
	Endpoint     string
	SampleRate   float64
	BatchTimeout time.Duration
	Insecure     bool
}

// DefaultConfig returns defaults with export disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "chainbridge-core",
		ServiceVersion: "1.2.0",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider bundles the tracer, the meter, and the governance counters.
type Provider struct {
	cfg    Config
	log    *slog.Logger
	traces *sdktrace.TracerProvider
	meters *sdkmetric.MeterProvider
	tracer trace.Tracer
	meter  metric.Meter

	validated  metric.Int64Counter
	settled    metric.Int64Counter
	appends    metric.Int64Counter
	conflicts  metric.Int64Counter
	replayHits metric.Int64Counter
}

// New builds the provider. With no endpoint configured it returns an
// inert provider whose counters and spans cost nothing.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{cfg: cfg, log: log.With("component", "observability")}
	if cfg.Endpoint == "" {
		p.log.Info("telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}
	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}
	p.tracer = otel.Tracer("chainbridge.core",
		trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter("chainbridge.core",
		metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}

	p.log.Info("telemetry initialized",
		"endpoint", cfg.Endpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.Endpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.cfg.SampleRate)
	}

	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.traces)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.Endpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meters = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meters)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.validated, err = p.meter.Int64Counter("chainbridge.artifacts.validated",
		metric.WithDescription("Artifacts validated, by verdict"),
		metric.WithUnit("{artifact}"),
	); err != nil {
		return err
	}
	if p.settled, err = p.meter.Int64Counter("chainbridge.settlements.total",
		metric.WithDescription("PDO settlements reaching a terminal state"),
		metric.WithUnit("{settlement}"),
	); err != nil {
		return err
	}
	if p.appends, err = p.meter.Int64Counter("chainbridge.ledger.appends",
		metric.WithDescription("Ledger entries committed"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return err
	}
	if p.conflicts, err = p.meter.Int64Counter("chainbridge.ledger.conflicts",
		metric.WithDescription("Ledger appends retried after a moved head"),
		metric.WithUnit("{conflict}"),
	); err != nil {
		return err
	}
	p.replayHits, err = p.meter.Int64Counter("chainbridge.replay.rejections",
		metric.WithDescription("Submissions rejected by the replay guard"),
		metric.WithUnit("{rejection}"),
	)
	return err
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.traces != nil {
		if err := p.traces.Shutdown(ctx); err != nil {
			p.log.Error("trace provider shutdown failed", "error", err)
		}
	}
	if p.meters != nil {
		if err := p.meters.Shutdown(ctx); err != nil {
			p.log.Error("metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("chainbridge.core")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("chainbridge.core")
	}
	return p.meter
}

// StartSpan opens a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// ArtifactValidated counts one gate verdict.
func (p *Provider) ArtifactValidated(ctx context.Context, artifactType string, valid bool) {
	if p.validated == nil {
		return
	}
	verdict := "invalid"
	if valid {
		verdict = "valid"
	}
	p.validated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("artifact.type", artifactType),
		attribute.String("verdict", verdict),
	))
}

// LedgerAppend counts one committed ledger entry.
func (p *Provider) LedgerAppend(ctx context.Context) {
	if p.appends == nil {
		return
	}
	p.appends.Add(ctx, 1)
}

// ReplayRejected counts one replay-guard rejection.
func (p *Provider) ReplayRejected(ctx context.Context) {
	if p.replayHits == nil {
		return
	}
	p.replayHits.Add(ctx, 1)
}

// SettlementCounters adapts the provider to the settlement engine's
// metric hook.
func (p *Provider) SettlementCounters() pdo.Counters {
	return settlementCounters{p}
}

type settlementCounters struct{ p *Provider }

func (c settlementCounters) Settled(state pdo.State) {
	if c.p.settled == nil {
		return
	}
	c.p.settled.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("state", string(state)),
	))
}

func (c settlementCounters) LedgerConflict() {
	if c.p.conflicts == nil {
		return
	}
	c.p.conflicts.Add(context.Background(), 1)
}
