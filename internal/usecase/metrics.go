package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/cyto-check/internal/classifier"
)

// MetricsSummary represents aggregated classification round insights.
type MetricsSummary struct {
	TotalRounds           int64   `json:"total_rounds"`
	SuccessfulRounds      int64   `json:"successful_rounds"`
	FailedRounds          int64   `json:"failed_rounds"`
	OverloadedFailures    int64   `json:"overloaded_failures"`
	AbandonedRounds       int64   `json:"abandoned_rounds"`
	UnclearResults        int64   `json:"unclear_results"`
	SuccessRate           float64 `json:"success_rate"`
	AverageRoundLatencyMs float64 `json:"average_round_latency_ms"`
}

// Metrics accumulates round outcomes in memory.
type Metrics struct {
	mu           sync.Mutex
	total        int64
	succeeded    int64
	failed       int64
	overloaded   int64
	abandoned    int64
	unclear      int64
	totalLatency time.Duration
}

func (m *Metrics) observeRound(preds Predictions, err error, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.totalLatency += latency
	if err != nil {
		m.failed++
		var diagErr *classifier.DiagnosisError
		if errors.As(err, &diagErr) && diagErr.Overloaded {
			m.overloaded++
		}
		return
	}
	m.succeeded++
	for _, label := range []classifier.Label{preds.Original, preds.Augmented} {
		if label == classifier.LabelUnclear {
			m.unclear++
		}
	}
}

func (m *Metrics) observeAbandoned() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned++
}

// Summary returns the current aggregate.
func (m *Metrics) Summary() *MetricsSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := &MetricsSummary{
		TotalRounds:        m.total,
		SuccessfulRounds:   m.succeeded,
		FailedRounds:       m.failed,
		OverloadedFailures: m.overloaded,
		AbandonedRounds:    m.abandoned,
		UnclearResults:     m.unclear,
	}
	if m.total > 0 {
		summary.SuccessRate = float64(m.succeeded) / float64(m.total)
		summary.AverageRoundLatencyMs = float64(m.totalLatency.Milliseconds()) / float64(m.total)
	}
	return summary
}

// GetMetricsSummary aggregates classification metrics across all sessions.
func (uc *DiagnosisUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return uc.metrics.Summary(), nil
}
