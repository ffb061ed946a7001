package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	readmodel "github.com/Apurer/go-eventsourcing-server/internal/shared/projection"
)

const tracerName = "github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/observability/service"

// Service decorates the command/query port with tracing, logging, and metrics.
type Service struct {
	inner   ports.Service
	tracer  trace.Tracer
	logger  *slog.Logger
	metrics serviceMetrics
}

type Option func(*Service)

// WithLogger injects a slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer injects a tracer implementation.
func WithTracer(tr trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tr
	}
}

// WithMeter injects the meter used to create service metrics instruments.
func WithMeter(m metric.Meter) Option {
	return func(s *Service) {
		s.metrics = newServiceMetrics(m)
	}
}

// New wires a decorator around the core service.
func New(inner ports.Service, opts ...Option) ports.Service {
	s := &Service{
		inner:   inner,
		tracer:  nooptrace.NewTracerProvider().Tracer(tracerName),
		logger:  defaultLogger(),
		metrics: newServiceMetrics(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(tracerName)
	}
	if s.logger == nil {
		s.logger = defaultLogger()
	}
	return s
}

func (s *Service) SubmitCommand(ctx context.Context, req ports.CommandRequest) (ports.CommandResult, error) {
	attrs := []attribute.KeyValue{
		attribute.String("aggregate.type", req.AggregateType),
		attribute.String("aggregate.id", req.AggregateID),
		attribute.String("command", req.Command),
	}
	ctx, span := s.startSpan(ctx, "Service.SubmitCommand", attrs...)
	defer span.End()

	result, err := s.inner.SubmitCommand(ctx, req)
	s.metrics.recordCommand(ctx, req.AggregateType, req.Command, outcome(err, result.Replayed))
	if err != nil {
		return result, s.handleError(ctx, span, err, "command rejected",
			slog.String("stream", req.AggregateType+"/"+req.AggregateID),
			slog.String("command", req.Command))
	}
	span.SetAttributes(attribute.Int64("aggregate.version", int64(result.AppliedVersion)))
	s.logInfo(ctx, "command applied",
		slog.String("stream", result.AggregateType+"/"+result.AggregateID),
		slog.String("command", req.Command),
		slog.Uint64("version", result.AppliedVersion),
		slog.Int("events", len(result.EventIDs)),
		slog.Bool("replayed", result.Replayed))
	return result, nil
}

func (s *Service) ReadStream(ctx context.Context, stream event.StreamID, fromVersion uint64) ([]event.Event, error) {
	ctx, span := s.startSpan(ctx, "Service.ReadStream", attribute.String("stream", stream.String()))
	defer span.End()

	events, err := s.inner.ReadStream(ctx, stream, fromVersion)
	if err != nil {
		return nil, s.handleError(ctx, span, err, "failed to read stream", slog.String("stream", stream.String()))
	}
	span.SetAttributes(attribute.Int("events.count", len(events)))
	return events, nil
}

func (s *Service) Query(ctx context.Context, projectionName string, filter ports.Filter) ([]readmodel.Record, error) {
	ctx, span := s.startSpan(ctx, "Service.Query", attribute.String("projection", projectionName))
	defer span.End()

	records, err := s.inner.Query(ctx, projectionName, filter)
	s.metrics.recordQuery(ctx, projectionName)
	if err != nil {
		return nil, s.handleError(ctx, span, err, "projection query failed", slog.String("projection", projectionName))
	}
	span.SetAttributes(attribute.Int("projection.result.count", len(records)))
	return records, nil
}

func (s *Service) GetReadModel(ctx context.Context, projectionName, key string) (*readmodel.Record, error) {
	ctx, span := s.startSpan(ctx, "Service.GetReadModel",
		attribute.String("projection", projectionName),
		attribute.String("projection.key", key))
	defer span.End()

	record, err := s.inner.GetReadModel(ctx, projectionName, key)
	s.metrics.recordQuery(ctx, projectionName)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, err
		}
		return nil, s.handleError(ctx, span, err, "projection lookup failed",
			slog.String("projection", projectionName), slog.String("key", key))
	}
	return record, nil
}

func (s *Service) Subscribe(ctx context.Context, pattern event.Pattern) (<-chan event.Event, func(), error) {
	s.logInfo(ctx, "event subscriber attached", slog.String("pattern", string(pattern)))
	return s.inner.Subscribe(ctx, pattern)
}

func (s *Service) RebuildProjection(ctx context.Context, projectionName string) (ports.RebuildReport, error) {
	ctx, span := s.startSpan(ctx, "Service.RebuildProjection", attribute.String("projection", projectionName))
	defer span.End()

	report, err := s.inner.RebuildProjection(ctx, projectionName)
	s.metrics.recordRebuild(ctx, projectionName, outcome(err, false))
	if err != nil {
		return report, s.handleError(ctx, span, err, "projection rebuild failed", slog.String("projection", projectionName))
	}
	span.SetAttributes(
		attribute.Int64("projection.generation", report.Generation),
		attribute.Int("projection.events", report.Events),
		attribute.Int("projection.dead_lettered", report.DeadLetter))
	s.logInfo(ctx, "projection rebuilt",
		slog.String("projection", projectionName),
		slog.Int64("generation", report.Generation),
		slog.Duration("duration", report.Duration))
	return report, nil
}

func (s *Service) ListDeadLetters(ctx context.Context, consumer string) ([]ports.DeadLetter, error) {
	ctx, span := s.startSpan(ctx, "Service.ListDeadLetters", attribute.String("consumer", consumer))
	defer span.End()

	entries, err := s.inner.ListDeadLetters(ctx, consumer)
	if err != nil {
		return nil, s.handleError(ctx, span, err, "failed to list dead letters", slog.String("consumer", consumer))
	}
	span.SetAttributes(attribute.Int("dead_letters.count", len(entries)))
	return entries, nil
}

func (s *Service) ReplayDeadLetters(ctx context.Context, consumer string) (ports.ReplayReport, error) {
	ctx, span := s.startSpan(ctx, "Service.ReplayDeadLetters", attribute.String("consumer", consumer))
	defer span.End()

	report, err := s.inner.ReplayDeadLetters(ctx, consumer)
	s.metrics.recordReplay(ctx, consumer, report)
	if err != nil {
		return report, s.handleError(ctx, span, err, "dead-letter replay failed", slog.String("consumer", consumer))
	}
	s.logInfo(ctx, "dead letters replayed",
		slog.String("consumer", report.Consumer),
		slog.Int("replayed", report.Replayed),
		slog.Int("failed", report.Failed))
	return report, nil
}

func (s *Service) InspectSaga(ctx context.Context, sagaID string) (*ports.SagaInstance, error) {
	ctx, span := s.startSpan(ctx, "Service.InspectSaga", attribute.String("saga.id", sagaID))
	defer span.End()

	inst, err := s.inner.InspectSaga(ctx, sagaID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, err
		}
		return nil, s.handleError(ctx, span, err, "failed to inspect saga", slog.String("saga.id", sagaID))
	}
	return inst, nil
}

func (s *Service) CancelSaga(ctx context.Context, sagaID string) (*ports.SagaInstance, error) {
	ctx, span := s.startSpan(ctx, "Service.CancelSaga", attribute.String("saga.id", sagaID))
	defer span.End()

	s.logInfo(ctx, "cancelling saga", slog.String("saga.id", sagaID))
	inst, err := s.inner.CancelSaga(ctx, sagaID)
	if err != nil {
		return inst, s.handleError(ctx, span, err, "failed to cancel saga", slog.String("saga.id", sagaID))
	}
	s.logInfo(ctx, "saga cancelled", slog.String("saga.id", sagaID), slog.String("saga.status", string(inst.Status)))
	return inst, nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := s.tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(tracerName)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *Service) logInfo(ctx context.Context, msg string, attrs ...slog.Attr) {
	if s.logger == nil {
		return
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
}

func (s *Service) logError(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if s.logger == nil {
		return
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	level := slog.LevelError
	if errors.Is(err, aggregate.ErrRuleViolation) || errors.Is(err, ports.ErrConcurrency) {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, msg, attrs...)
}

func (s *Service) handleError(ctx context.Context, span trace.Span, err error, msg string, attrs ...slog.Attr) error {
	if err == nil {
		return nil
	}
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.logError(ctx, msg, err, attrs...)
	return err
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// outcome labels a result for metrics.
func outcome(err error, replayed bool) string {
	switch {
	case err == nil && replayed:
		return "replayed"
	case err == nil:
		return "ok"
	case errors.Is(err, aggregate.ErrRuleViolation):
		return "rejected"
	case errors.Is(err, ports.ErrConcurrency), errors.Is(err, aggregate.ErrConflictExhausted):
		return "conflict"
	case errors.Is(err, aggregate.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

type serviceMetrics struct {
	commands metric.Int64Counter
	queries  metric.Int64Counter
	rebuilds metric.Int64Counter
	replayed metric.Int64Counter
}

func newServiceMetrics(m metric.Meter) serviceMetrics {
	if m == nil {
		return serviceMetrics{}
	}
	commands, _ := m.Int64Counter("eventsourcing.service.commands", metric.WithDescription("Commands submitted by outcome"))
	queries, _ := m.Int64Counter("eventsourcing.service.queries", metric.WithDescription("Read-model queries"))
	rebuilds, _ := m.Int64Counter("eventsourcing.service.rebuilds", metric.WithDescription("Projection rebuilds by outcome"))
	replayed, _ := m.Int64Counter("eventsourcing.service.dead_letters_replayed", metric.WithDescription("Dead letters replayed by result"))
	return serviceMetrics{
		commands: commands,
		queries:  queries,
		rebuilds: rebuilds,
		replayed: replayed,
	}
}

func (m serviceMetrics) recordCommand(ctx context.Context, aggregateType, command, result string) {
	addCounter(ctx, m.commands, 1,
		attribute.String("aggregate.type", aggregateType),
		attribute.String("command", command),
		attribute.String("outcome", result))
}

func (m serviceMetrics) recordQuery(ctx context.Context, projection string) {
	addCounter(ctx, m.queries, 1, attribute.String("projection", projection))
}

func (m serviceMetrics) recordRebuild(ctx context.Context, projection, result string) {
	addCounter(ctx, m.rebuilds, 1, attribute.String("projection", projection), attribute.String("outcome", result))
}

func (m serviceMetrics) recordReplay(ctx context.Context, consumer string, report ports.ReplayReport) {
	addCounter(ctx, m.replayed, int64(report.Replayed), attribute.String("consumer", consumer), attribute.String("result", "replayed"))
	addCounter(ctx, m.replayed, int64(report.Failed), attribute.String("consumer", consumer), attribute.String("result", "failed"))
}

func addCounter(ctx context.Context, counter metric.Int64Counter, value int64, attrs ...attribute.KeyValue) {
	if counter == nil || value == 0 {
		return
	}
	counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

var _ ports.Service = (*Service)(nil)
