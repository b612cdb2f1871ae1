package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/telemetry"
)

type metrics struct {
	submittedCount metric.Int64Counter
	finalizedCount metric.Int64Counter
	phaseCount     metric.Int64Counter
	awaitingGauge  metric.Int64UpDownCounter
}

func newMetrics() *metrics {
	meter := telemetry.Meter("monban/pipeline")
	submitted, _ := meter.Int64Counter("monban.pipeline.submitted",
		metric.WithDescription("Requests accepted into the pipeline"),
	)
	finalized, _ := meter.Int64Counter("monban.pipeline.finalized",
		metric.WithDescription("Decisions reaching a terminal status"),
	)
	phases, _ := meter.Int64Counter("monban.pipeline.phase_transitions",
		metric.WithDescription("Audited phase transitions"),
	)
	awaiting, _ := meter.Int64UpDownCounter("monban.pipeline.awaiting_approval",
		metric.WithDescription("Decisions currently blocked on the approval gate"),
	)
	return &metrics{
		submittedCount: submitted,
		finalizedCount: finalized,
		phaseCount:     phases,
		awaitingGauge:  awaiting,
	}
}

func (m *metrics) submitted(ctx context.Context, kind model.ActionKind) {
	m.submittedCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action_kind", string(kind)),
	))
}

func (m *metrics) finalized(ctx context.Context, status model.FinalStatus) {
	m.finalizedCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("final_status", string(status)),
	))
}

func (m *metrics) phase(ctx context.Context, phase model.Phase) {
	m.phaseCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", string(phase)),
	))
}

func (m *metrics) awaiting(ctx context.Context, delta int64) {
	m.awaitingGauge.Add(ctx, delta)
}
