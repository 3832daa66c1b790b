package observability

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fsmawi/wip/pkg/api"
)

const instrumentationName = "github.com/fsmawi/wip"

// TracingConfig selects the span exporter installed by InitTracing.
type TracingConfig struct {
	// Exporter is "none" (or empty) or "stdout".
	Exporter string
	// SampleRatio is applied with a parent-based ratio sampler. Values
	// outside (0, 1] sample everything.
	SampleRatio float64
	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer
}

// InitTracing installs a global tracer provider for service and returns its
// shutdown function.
func InitTracing(ctx context.Context, service string, cfg TracingConfig) (func(context.Context) error, error) {
	exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	switch exporter {
	case "", "none":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if cfg.Writer != nil {
		opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(service)))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.AlwaysSample())
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// TracingObserver records one span per step. Enqueue and completion are
// recorded as short spans of their own.
type TracingObserver struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[int64]trace.Span
}

var _ api.Observer = (*TracingObserver)(nil)

// NewTracingObserver creates an observer using tp. A nil tp uses the global
// tracer provider.
func NewTracingObserver(tp trace.TracerProvider) *TracingObserver {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingObserver{
		tracer: tp.Tracer(instrumentationName),
		spans:  make(map[int64]trace.Span),
	}
}

func taskAttributes(task *api.Task) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("wip.task.id", task.ID),
		attribute.String("wip.task.type", task.TypeName),
		attribute.String("wip.task.group", task.GroupName),
	}
}

func (o *TracingObserver) OnTaskEnqueued(ctx context.Context, task *api.Task) {
	_, span := o.tracer.Start(ctx, "wip.enqueue", trace.WithAttributes(taskAttributes(task)...))
	if task.ParentID != 0 {
		span.SetAttributes(attribute.Int64("wip.task.parent_id", task.ParentID))
	}
	span.End()
}

func (o *TracingObserver) OnStepStart(ctx context.Context, task *api.Task, state string) {
	attrs := append(taskAttributes(task), attribute.String("wip.state", state))
	_, span := o.tracer.Start(ctx, "wip.step", trace.WithAttributes(attrs...))

	o.mu.Lock()
	prev := o.spans[task.ID]
	o.spans[task.ID] = span
	o.mu.Unlock()

	// A previous step whose persist failed never reported completion.
	if prev != nil {
		prev.SetStatus(codes.Error, "step not completed")
		prev.End()
	}
}

func (o *TracingObserver) OnStepCompleted(ctx context.Context, task *api.Task, res api.StepResult, d time.Duration) {
	o.mu.Lock()
	span, ok := o.spans[task.ID]
	delete(o.spans, task.ID)
	o.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("wip.trigger", res.Trigger),
		attribute.String("wip.next_state", res.To),
		attribute.String("wip.outcome", string(res.Outcome)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.End()
}

func (o *TracingObserver) OnTaskCompleted(ctx context.Context, task *api.Task) {
	attrs := append(taskAttributes(task),
		attribute.String("wip.exit_status", string(task.ExitStatus)),
		attribute.Int("wip.steps", stepsOf(task)),
	)
	_, span := o.tracer.Start(ctx, "wip.complete", trace.WithAttributes(attrs...))
	if task.ExitStatus.Failed() {
		span.SetStatus(codes.Error, task.ExitMessage)
	}
	span.End()
}

func stepsOf(task *api.Task) int {
	if task.Snapshot == nil {
		return 0
	}
	return task.Snapshot.Steps
}
