package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Checker recomputes on-hand quantities from ledger history and reports
// drift. It is read-only; repair is an explicit operator procedure.
type Checker struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewChecker builds the integrity checker.
func NewChecker(repo RepositoryPort, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{repo: repo, logger: logger}
}

// Verify compares Σ remaining against Σ received − Σ consumed for one scope
// and flags each lot whose quantities do not reconcile. Reads without
// locking; an in-flight consume may not be visible yet.
func (c *Checker) Verify(ctx context.Context, vesselID, productID int64) (IntegrityReport, error) {
	if vesselID == 0 || productID == 0 {
		return IntegrityReport{}, errors.New("ledger: vessel and product required")
	}
	totals, err := c.repo.LedgerTotals(ctx, vesselID, productID)
	if err != nil {
		return IntegrityReport{}, err
	}
	lots, err := c.repo.SelectLots(ctx, vesselID, productID)
	if err != nil {
		return IntegrityReport{}, err
	}
	consumed, err := c.repo.ConsumedByLot(ctx, vesselID, productID)
	if err != nil {
		return IntegrityReport{}, err
	}

	actual := decimal.Zero
	var drift []LotDrift
	for _, lot := range lots {
		actual = actual.Add(lot.RemainingQty)
		lotConsumed, ok := consumed[lot.ID]
		if !ok {
			lotConsumed = decimal.Zero
		}
		reason := ""
		switch {
		case lot.RemainingQty.IsNegative():
			reason = "remaining quantity below zero"
		case lot.RemainingQty.GreaterThan(lot.ReceivedQty):
			reason = "remaining quantity exceeds received"
		case !lot.RemainingQty.Add(lotConsumed).Equal(lot.ReceivedQty):
			reason = "remaining does not reconcile with consumption history"
		}
		if reason != "" {
			drift = append(drift, LotDrift{
				LotID:        lot.ID,
				ReceivedQty:  lot.ReceivedQty,
				RemainingQty: lot.RemainingQty,
				ConsumedQty:  lotConsumed,
				Reason:       reason,
			})
		}
	}

	expected := totals.Received.Sub(totals.Consumed)
	report := IntegrityReport{
		VesselID:  vesselID,
		ProductID: productID,
		Expected:  expected,
		Actual:    actual,
		Delta:     actual.Sub(expected),
		Drift:     drift,
		CheckedAt: time.Now().UTC(),
	}
	if !report.Clean() {
		c.logger.Warn("ledger integrity drift",
			slog.Int64("vessel_id", vesselID),
			slog.Int64("product_id", productID),
			slog.String("delta", report.Delta.String()),
			slog.Int("drifting_lots", len(drift)))
	}
	return report, nil
}

// VerifyAll checks every scope with ledger history, fanning out across
// parallelism workers. Reports come back ordered by scope.
func (c *Checker) VerifyAll(ctx context.Context, parallelism int) ([]IntegrityReport, error) {
	scopes, err := c.repo.ListScopes(ctx)
	if err != nil {
		return nil, err
	}
	if len(scopes) == 0 {
		return nil, nil
	}
	if parallelism <= 0 {
		parallelism = 1
	}

	var mu sync.Mutex
	reports := make([]IntegrityReport, 0, len(scopes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, scope := range scopes {
		scope := scope
		g.Go(func() error {
			report, err := c.Verify(ctx, scope.VesselID, scope.ProductID)
			if err != nil {
				return err
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].VesselID != reports[j].VesselID {
			return reports[i].VesselID < reports[j].VesselID
		}
		return reports[i].ProductID < reports[j].ProductID
	})
	return reports, nil
}
