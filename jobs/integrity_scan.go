package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

// ScanMetrics records integrity scan outcomes.
type ScanMetrics interface {
	ObserveIntegrityScan(drifting int)
}

// IntegrityScanJob runs the read-only ledger verification pass.
type IntegrityScanJob struct {
	checker *ledger.Checker
	logger  *slog.Logger
	metrics ScanMetrics
}

// NewIntegrityScanJob builds the job handler.
func NewIntegrityScanJob(checker *ledger.Checker, logger *slog.Logger, metrics ScanMetrics) *IntegrityScanJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityScanJob{checker: checker, logger: logger, metrics: metrics}
}

// Handle processes TaskLedgerIntegrityScan tasks. Drift is reported, never
// auto-corrected; repair stays an operator decision.
func (j *IntegrityScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IntegrityScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	var reports []ledger.IntegrityReport
	if payload.VesselID != 0 && payload.ProductID != 0 {
		report, err := j.checker.Verify(ctx, payload.VesselID, payload.ProductID)
		if err != nil {
			return err
		}
		reports = append(reports, report)
	} else {
		var err error
		reports, err = j.checker.VerifyAll(ctx, payload.Parallelism)
		if err != nil {
			return err
		}
	}

	drifting := 0
	for _, report := range reports {
		if !report.Clean() {
			drifting++
			j.logger.Warn("integrity scan found drift",
				slog.Int64("vessel_id", report.VesselID),
				slog.Int64("product_id", report.ProductID),
				slog.String("expected", report.Expected.String()),
				slog.String("actual", report.Actual.String()),
				slog.String("delta", report.Delta.String()),
				slog.Int("drifting_lots", len(report.Drift)))
		}
	}
	if j.metrics != nil {
		j.metrics.ObserveIntegrityScan(drifting)
	}
	j.logger.Info("integrity scan completed",
		slog.Int("scopes", len(reports)),
		slog.Int("drifting", drifting))
	return nil
}
