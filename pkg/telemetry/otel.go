// Package telemetry provides optional OpenTelemetry trace export.
// When enabled, each frame cycle becomes a trace and node invocations
// become child spans, so per-node latency is visible in any OTLP
// backend.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config for the OTLP gRPC exporter.
type Config struct {
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Environment    string
	InsecureTLS    bool
	BatchTimeout   time.Duration
	ExportTimeout  time.Duration
	// SamplingRatio is the fraction of frame cycles traced. Tracing
	// every cycle of a 30 fps pipeline is rarely what you want.
	SamplingRatio float64
}

// DefaultConfig returns local-collector defaults with light sampling.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint,
		ServiceName:    "visionflow",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		InsecureTLS:    true,
		BatchTimeout:   5 * time.Second,
		ExportTimeout:  30 * time.Second,
		SamplingRatio:  0.01,
	}
}

// Exporter owns the tracer provider lifecycle.
type Exporter struct {
	mu          sync.Mutex
	cfg         Config
	provider    *sdktrace.TracerProvider
	tracer      trace.Tracer
	initialized bool
}

// NewExporter creates an exporter; Init establishes the connection.
func NewExporter(cfg Config) *Exporter {
	return &Exporter{cfg: cfg, tracer: noop.NewTracerProvider().Tracer("visionflow")}
}

// Init connects to the collector and installs the global tracer
// provider. The returned function flushes and shuts the exporter down.
func (e *Exporter) Init(ctx context.Context) (func(context.Context) error, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return e.provider.Shutdown, nil
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(e.cfg.Endpoint),
		otlptracegrpc.WithTimeout(e.cfg.ExportTimeout),
	}
	if e.cfg.InsecureTLS {
		exporterOpts = append(exporterOpts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(e.cfg.ServiceName),
			semconv.ServiceVersion(e.cfg.ServiceVersion),
			semconv.DeploymentEnvironment(e.cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case e.cfg.SamplingRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case e.cfg.SamplingRatio <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(e.cfg.SamplingRatio)
	}

	e.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(e.cfg.BatchTimeout),
			sdktrace.WithExportTimeout(e.cfg.ExportTimeout),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(e.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	e.tracer = e.provider.Tracer(e.cfg.ServiceName)
	e.initialized = true
	return e.provider.Shutdown, nil
}

// StartCycle opens the root span for one frame cycle.
func (e *Exporter) StartCycle(ctx context.Context, seq uint64) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "frame_cycle",
		trace.WithAttributes(attribute.Int64("frame.seq", int64(seq))))
}

// StartNode opens a child span for one node invocation.
func (e *Exporter) StartNode(ctx context.Context, nodeID, nodeType, lane string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "node."+nodeType,
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.String("node.lane", lane),
		))
}

