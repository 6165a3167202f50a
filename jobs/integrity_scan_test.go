package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	_ "github.com/meridian-erp/meridian-erp/testing"
)

type fakeRepo struct {
	lots []ledger.Lot
	recs []ledger.ConsumptionRecord
}

func (r *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return errors.New("read-only fake")
}

func (r *fakeRepo) OnHand(ctx context.Context, vesselID, productID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, lot := range r.lots {
		if lot.VesselID == vesselID && lot.ProductID == productID {
			total = total.Add(lot.RemainingQty)
		}
	}
	return total, nil
}

func (r *fakeRepo) LedgerTotals(ctx context.Context, vesselID, productID int64) (ledger.LedgerTotals, error) {
	totals := ledger.LedgerTotals{Received: decimal.Zero, Consumed: decimal.Zero}
	for _, lot := range r.lots {
		if lot.VesselID == vesselID && lot.ProductID == productID {
			totals.Received = totals.Received.Add(lot.ReceivedQty)
		}
	}
	for _, rec := range r.recs {
		for _, lot := range r.lots {
			if lot.ID == rec.LotID && lot.VesselID == vesselID && lot.ProductID == productID {
				totals.Consumed = totals.Consumed.Add(rec.Qty)
			}
		}
	}
	return totals, nil
}

func (r *fakeRepo) SelectLots(ctx context.Context, vesselID, productID int64) ([]ledger.Lot, error) {
	var lots []ledger.Lot
	for _, lot := range r.lots {
		if lot.VesselID == vesselID && lot.ProductID == productID {
			lots = append(lots, lot)
		}
	}
	return lots, nil
}

func (r *fakeRepo) ConsumedByLot(ctx context.Context, vesselID, productID int64) (map[int64]decimal.Decimal, error) {
	consumed := make(map[int64]decimal.Decimal)
	for _, rec := range r.recs {
		for _, lot := range r.lots {
			if lot.ID == rec.LotID && lot.VesselID == vesselID && lot.ProductID == productID {
				prev, ok := consumed[rec.LotID]
				if !ok {
					prev = decimal.Zero
				}
				consumed[rec.LotID] = prev.Add(rec.Qty)
			}
		}
	}
	return consumed, nil
}

func (r *fakeRepo) ListScopes(ctx context.Context) ([]ledger.Scope, error) {
	seen := make(map[ledger.Scope]bool)
	var scopes []ledger.Scope
	for _, lot := range r.lots {
		s := ledger.Scope{VesselID: lot.VesselID, ProductID: lot.ProductID}
		if !seen[s] {
			seen[s] = true
			scopes = append(scopes, s)
		}
	}
	return scopes, nil
}

type fakeScanMetrics struct {
	scans    int
	drifting int
}

func (m *fakeScanMetrics) ObserveIntegrityScan(drifting int) {
	m.scans++
	m.drifting += drifting
}

func qty(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestIntegrityScanReportsDrift(t *testing.T) {
	now := time.Now().UTC()
	repo := &fakeRepo{
		lots: []ledger.Lot{
			{ID: 1, VesselID: 1, ProductID: 1, ReceivedQty: qty("10"), RemainingQty: qty("10"), UnitCost: qty("1"), ReceivedAt: now, OriginRef: uuid.New()},
			// Remaining beyond received: corrupted scope.
			{ID: 2, VesselID: 2, ProductID: 1, ReceivedQty: qty("10"), RemainingQty: qty("12"), UnitCost: qty("1"), ReceivedAt: now, OriginRef: uuid.New()},
		},
	}
	metrics := &fakeScanMetrics{}
	job := NewIntegrityScanJob(ledger.NewChecker(repo, nil), nil, metrics)

	task, err := NewIntegrityScanTask(2)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, 1, metrics.scans)
	require.Equal(t, 1, metrics.drifting)
}

func TestIntegrityScanScopedPayload(t *testing.T) {
	now := time.Now().UTC()
	repo := &fakeRepo{
		lots: []ledger.Lot{
			{ID: 1, VesselID: 1, ProductID: 1, ReceivedQty: qty("10"), RemainingQty: qty("10"), UnitCost: qty("1"), ReceivedAt: now, OriginRef: uuid.New()},
		},
	}
	metrics := &fakeScanMetrics{}
	job := NewIntegrityScanJob(ledger.NewChecker(repo, nil), nil, metrics)

	task, err := NewScopedIntegrityScanTask(1, 1)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, metrics.scans)
	require.Equal(t, 0, metrics.drifting)
}

func TestIntegrityScanSkipsBadPayload(t *testing.T) {
	job := NewIntegrityScanJob(ledger.NewChecker(&fakeRepo{}, nil), nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskLedgerIntegrityScan, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
