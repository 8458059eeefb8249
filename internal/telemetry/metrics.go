package internaltelemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TwoPhaseCommitMetrics holds the metric instruments for the transaction
// coordination service.
type TwoPhaseCommitMetrics struct {
	CoordinatorsCreatedCounter      metric.Int64Counter
	CoordinatorsRecoveredCounter    metric.Int64Counter
	DecisionsCounter                metric.Int64Counter
	CommitLatencyHistogram          metric.Int64Histogram
	ActiveCoordinatorsUpDownCounter metric.Int64UpDownCounter
}

// NewTwoPhaseCommitMetrics creates and registers all the metrics for the
// transaction coordination service.
func NewTwoPhaseCommitMetrics(meter metric.Meter) (*TwoPhaseCommitMetrics, error) {
	coordinatorsCreatedCounter, err := meter.Int64Counter(
		"kizunadb.coordinator.created_total",
		metric.WithDescription("Total number of transaction coordinators created."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	coordinatorsRecoveredCounter, err := meter.Int64Counter(
		"kizunadb.coordinator.recovered_total",
		metric.WithDescription("Total number of transaction coordinators resumed during step-up recovery."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	decisionsCounter, err := meter.Int64Counter(
		"kizunadb.coordinator.decisions_total",
		metric.WithDescription("Total number of commit decisions reached, by kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitLatencyHistogram, err := meter.Int64Histogram(
		"kizunadb.coordinator.commit.duration",
		metric.WithDescription("End-to-end latency of two-phase commits."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeCoordinatorsUpDownCounter, err := meter.Int64UpDownCounter(
		"kizunadb.coordinator.active",
		metric.WithDescription("Number of transaction coordinators currently registered."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TwoPhaseCommitMetrics{
		CoordinatorsCreatedCounter:      coordinatorsCreatedCounter,
		CoordinatorsRecoveredCounter:    coordinatorsRecoveredCounter,
		DecisionsCounter:                decisionsCounter,
		CommitLatencyHistogram:          commitLatencyHistogram,
		ActiveCoordinatorsUpDownCounter: activeCoordinatorsUpDownCounter,
	}, nil
}

// DecisionKindAttr labels a decision sample with its outcome kind.
func DecisionKindAttr(kind string) attribute.KeyValue {
	return attribute.String("decision.kind", kind)
}
