// Package telemetry wires the orchestrator's lifecycle and cost events to
// OpenTelemetry metrics and logs: agent-state gauges, a cost counter, and
// a worktree-count gauge, exported over OTLP/HTTP, plus a structured log
// bridge for the same events.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/forgehq/foreman/internal/eventsink"
	"github.com/forgehq/foreman/internal/fsm"
)

// Config configures the OTLP/HTTP exporters. Both endpoints are optional;
// a blank value falls back to the exporter's own default resolution
// (typically the OTEL_EXPORTER_OTLP_ENDPOINT environment variable).
type Config struct {
	MetricsEndpoint string
	LogsEndpoint    string
	Insecure        bool
}

// Provider owns the meter and logger instruments, plus the SDK providers
// that must be shut down on process exit.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	loggerProvider *sdklog.LoggerProvider

	statusGauge   metric.Int64UpDownCounter
	costCounter   metric.Float64Counter
	worktreeGauge metric.Int64UpDownCounter
	logger        otellog.Logger
}

// New builds the OTel SDK providers and instruments described above.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	metricOpts := []otlpmetrichttp.Option{}
	if cfg.MetricsEndpoint != "" {
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpoint(cfg.MetricsEndpoint))
	}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)

	logOpts := []otlploghttp.Option{}
	if cfg.LogsEndpoint != "" {
		logOpts = append(logOpts, otlploghttp.WithEndpoint(cfg.LogsEndpoint))
	}
	if cfg.Insecure {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating log exporter: %w", err)
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	meter := meterProvider.Meter("github.com/forgehq/foreman")

	statusGauge, err := meter.Int64UpDownCounter("foreman.agent.status",
		metric.WithDescription("Per-agent FSM state, emitted as +1 on entry and -1 on exit"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating status gauge: %w", err)
	}
	costCounter, err := meter.Float64Counter("foreman.agent.cost_usd",
		metric.WithDescription("Cumulative LLM spend recorded per agent"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating cost counter: %w", err)
	}
	worktreeGauge, err := meter.Int64UpDownCounter("foreman.worktrees.active",
		metric.WithDescription("Active worktrees, incremented on create and decremented on remove"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating worktree gauge: %w", err)
	}

	return &Provider{
		meterProvider:  meterProvider,
		loggerProvider: loggerProvider,
		statusGauge:    statusGauge,
		costCounter:    costCounter,
		worktreeGauge:  worktreeGauge,
		logger:         loggerProvider.Logger("github.com/forgehq/foreman"),
	}, nil
}

// Shutdown flushes and closes both SDK providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutting down meter provider: %w", err)
	}
	if err := p.loggerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutting down logger provider: %w", err)
	}
	return nil
}

// Sink adapts a Provider to eventsink.Sink, so it can be composed with any
// other sink through eventsink.Multi.
type Sink struct {
	provider *Provider
}

var _ eventsink.Sink = (*Sink)(nil)

// NewSink wraps provider as an eventsink.Sink.
func NewSink(provider *Provider) *Sink {
	return &Sink{provider: provider}
}

func (s *Sink) OnStatusChange(agentID string, from, to fsm.State) {
	ctx := context.Background()
	s.provider.statusGauge.Add(ctx, -1, metric.WithAttributes(attribute.String("agent_id", agentID), attribute.String("state", string(from))))
	s.provider.statusGauge.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID), attribute.String("state", string(to))))

	var rec otellog.Record
	rec.SetBody(otellog.StringValue(fmt.Sprintf("agent %s: %s -> %s", agentID, from, to)))
	rec.SetSeverity(otellog.SeverityInfo)
	rec.AddAttributes(otellog.String("agent_id", agentID), otellog.String("from", string(from)), otellog.String("to", string(to)))
	s.provider.logger.Emit(ctx, rec)
}

func (s *Sink) OnActivity(agentID string, activity eventsink.Activity) {
	ctx := context.Background()
	var rec otellog.Record
	rec.SetBody(otellog.StringValue(fmt.Sprintf("agent %s: tool %s touched %d files", agentID, activity.ToolName, len(activity.FilesAffected))))
	rec.SetSeverity(otellog.SeverityDebug)
	rec.AddAttributes(otellog.String("agent_id", agentID), otellog.String("tool", activity.ToolName))
	s.provider.logger.Emit(ctx, rec)
}

func (s *Sink) OnCostUpdate(agentID string, costUSD float64) {
	s.provider.costCounter.Add(context.Background(), costUSD, metric.WithAttributes(attribute.String("agent_id", agentID)))
}

func (s *Sink) OnError(agentID string, err error) {
	ctx := context.Background()
	var rec otellog.Record
	rec.SetBody(otellog.StringValue(err.Error()))
	rec.SetSeverity(otellog.SeverityError)
	rec.AddAttributes(otellog.String("agent_id", agentID))
	s.provider.logger.Emit(ctx, rec)
}

func (s *Sink) OnHeartbeat(agentID string) {
	// Heartbeats are mirrored to the session file by internal/hooks; no
	// separate metric is emitted per beat to avoid overwhelming the
	// exporter on a busy pool.
}

// WorktreeCreated increments the active-worktree gauge.
func (p *Provider) WorktreeCreated(ctx context.Context) {
	p.worktreeGauge.Add(ctx, 1)
}

// WorktreeRemoved decrements the active-worktree gauge.
func (p *Provider) WorktreeRemoved(ctx context.Context) {
	p.worktreeGauge.Add(ctx, -1)
}
