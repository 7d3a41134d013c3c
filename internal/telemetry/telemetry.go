// Package telemetry wires optional OpenTelemetry export to an OTLP gRPC
// collector. Without [Setup] the global providers stay no-ops.
// [NewHandler] forwards slog records to whichever log provider is installed.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Config groups all telemetry settings. The endpoint, TLS, name and header
// fields come from the config.TelemetryConfig YAML block; the rest is
// filled in by the daemon.
type Config struct {
	// OTLPEndpoint is the gRPC host:port of your OTLP collector,
	// e.g. "localhost:4317" or "otelcol.example.com:4317".
	OTLPEndpoint string

	// Insecure disables TLS for the collector connection.
	// Set to true for local collectors that have no TLS cert.
	Insecure bool

	// ServiceName overrides the OTel service.name resource attribute.
	// Defaults to "flatsync".
	ServiceName string

	// ServiceVersion is reported as service.version when set.
	ServiceVersion string

	// Attributes are extra resource attributes, e.g. the synced database
	// and provider, so traces from several daemons can be told apart.
	Attributes map[string]string

	// Headers is sent as gRPC metadata on every OTLP request.
	// Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment variable.
	// Typical use: authentication tokens such as {"Authorization": "Bearer <token>"}.
	Headers map[string]string
}

// ShutdownFunc flushes and closes all OTel providers. Call it with a fresh
// context; the main one is usually cancelled by then.
type ShutdownFunc func(context.Context) error

// closer is one step of the shutdown sequence.
type closer struct {
	name string
	fn   func(context.Context) error
}

// shutdownAll runs closers in reverse order of creation and joins errors.
func shutdownAll(ctx context.Context, cs []closer) error {
	var errs []error
	for i := len(cs) - 1; i >= 0; i-- {
		if err := cs[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cs[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// Setup installs global trace, metric and log providers that export to
// cfg.OTLPEndpoint over one shared gRPC connection.
//
// The returned [ShutdownFunc] is never nil, so callers can defer it even
// when Setup fails.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	svcName := cfg.ServiceName
	if svcName == "" {
		svcName = DefaultServiceName
	}

	// Schemaless keeps resource.Default() and our semconv version from
	// conflicting on schema URL.
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(resourceAttributes(svcName, cfg)...))
	if err != nil {
		return noopShutdown, fmt.Errorf("building OTel resource: %w", err)
	}

	conn, err := dialCollector(cfg)
	if err != nil {
		return noopShutdown, err
	}
	closers := []closer{{"OTLP gRPC connection close", func(context.Context) error { return conn.Close() }}}

	steps := []func() (closer, error){
		func() (closer, error) { return installTracing(ctx, conn, cfg.Headers, res) },
		func() (closer, error) { return installMetrics(ctx, conn, cfg.Headers, res) },
		func() (closer, error) { return installLogs(ctx, conn, cfg.Headers, res) },
	}
	for _, step := range steps {
		c, err := step()
		if err != nil {
			_ = shutdownAll(ctx, closers)
			return noopShutdown, err
		}
		closers = append(closers, c)
	}

	return func(ctx context.Context) error { return shutdownAll(ctx, closers) }, nil
}

func dialCollector(cfg Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil) // system root CAs
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func installTracing(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (closer, error) {
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn), otlptracegrpc.WithHeaders(headers))
	if err != nil {
		return closer{}, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return closer{"trace provider shutdown", tp.Shutdown}, nil
}

func installMetrics(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (closer, error) {
	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn), otlpmetricgrpc.WithHeaders(headers))
	if err != nil {
		return closer{}, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return closer{"metric provider shutdown", mp.Shutdown}, nil
}

func installLogs(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (closer, error) {
	exp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn), otlploggrpc.WithHeaders(headers))
	if err != nil {
		return closer{}, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)
	return closer{"log provider shutdown", lp.Shutdown}, nil
}

// DefaultServiceName is the service.name used when Config.ServiceName is empty.
const DefaultServiceName = "flatsync"

// resourceAttributes describes this process. Every run gets a fresh
// service.instance.id.
func resourceAttributes(svcName string, cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(svcName),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	keys := make([]string, 0, len(cfg.Attributes))
	for k := range cfg.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, cfg.Attributes[k]))
	}
	return attrs
}

func noopShutdown(_ context.Context) error { return nil }
