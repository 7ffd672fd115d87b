// Package telemetry owns the orchestrator's OpenTelemetry instruments.
// Every method is nil-safe so callers can run without metrics.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "github.com/p-arndt/werkstatt"

type Metrics struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader

	sandboxesCreated metric.Int64Counter
	sandboxesFailed  metric.Int64Counter
	reclaims         metric.Int64Counter
	checkpoints      metric.Int64Counter
	idleWarnings     metric.Int64Counter
	sessionCommands  metric.Int64Counter
	execDuration     metric.Int64Histogram
}

// New builds a meter provider backed by a manual reader, which Snapshot
// collects on demand.
func New() (*Metrics, error) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	m := &Metrics{provider: mp, reader: reader}
	var err error
	if m.sandboxesCreated, err = meter.Int64Counter("werkstatt.sandboxes.created",
		metric.WithDescription("Sandboxes created and started")); err != nil {
		return nil, fmt.Errorf("sandboxes.created: %w", err)
	}
	if m.sandboxesFailed, err = meter.Int64Counter("werkstatt.sandboxes.failed",
		metric.WithDescription("Sandbox create or start failures")); err != nil {
		return nil, fmt.Errorf("sandboxes.failed: %w", err)
	}
	if m.reclaims, err = meter.Int64Counter("werkstatt.reclaims",
		metric.WithDescription("Thread bindings reclaimed")); err != nil {
		return nil, fmt.Errorf("reclaims: %w", err)
	}
	if m.checkpoints, err = meter.Int64Counter("werkstatt.checkpoints",
		metric.WithDescription("Checkpoint attempts by outcome")); err != nil {
		return nil, fmt.Errorf("checkpoints: %w", err)
	}
	if m.idleWarnings, err = meter.Int64Counter("werkstatt.idle_warnings",
		metric.WithDescription("Idle warnings emitted")); err != nil {
		return nil, fmt.Errorf("idle_warnings: %w", err)
	}
	if m.sessionCommands, err = meter.Int64Counter("werkstatt.session.commands",
		metric.WithDescription("Commands sent to interactive sessions")); err != nil {
		return nil, fmt.Errorf("session.commands: %w", err)
	}
	if m.execDuration, err = meter.Int64Histogram("werkstatt.exec.duration",
		metric.WithDescription("Duration of sandbox exec calls"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("exec.duration: %w", err)
	}
	return m, nil
}

func (m *Metrics) SandboxCreated(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.sandboxesCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

func (m *Metrics) SandboxFailed(ctx context.Context, backend, stage string) {
	if m == nil {
		return
	}
	m.sandboxesFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("stage", stage),
	))
}

func (m *Metrics) Reclaimed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.reclaims.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Checkpoint records one checkpoint attempt; outcome is saved, clean or failed.
func (m *Metrics) Checkpoint(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.checkpoints.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) IdleWarning(ctx context.Context) {
	if m == nil {
		return
	}
	m.idleWarnings.Add(ctx, 1)
}

func (m *Metrics) SessionCommand(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.sessionCommands.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (m *Metrics) ExecDuration(ctx context.Context, ms int64, exitCode int) {
	if m == nil {
		return
	}
	m.execDuration.Record(ctx, ms, metric.WithAttributes(attribute.Int("exit_code", exitCode)))
}

// Snapshot collects current values, summed across attribute sets. Counters
// report their total; histograms report their observation count.
func (m *Metrics) Snapshot(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	if m == nil {
		return out, nil
	}
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				out[md.Name] = total
			case metricdata.Histogram[int64]:
				var count uint64
				for _, dp := range data.DataPoints {
					count += dp.Count
				}
				out[md.Name] = int64(count)
			}
		}
	}
	return out, nil
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
