package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestVerifyCleanScope(t *testing.T) {
	repo := newMemoryRepo()
	e := newTestEngine(repo)
	checker := NewChecker(repo, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	receiveAt(t, e, 1, 1, "10", "1.00", base)
	receiveAt(t, e, 1, 1, "10", "2.00", base.Add(time.Hour))
	_, err := e.Consume(ctx, ConsumeInput{VesselID: 1, ProductID: 1, Qty: dec("12"), MovementRef: uuid.New()})
	require.NoError(t, err)

	report, err := checker.Verify(ctx, 1, 1)
	require.NoError(t, err)
	require.True(t, report.Clean())
	require.True(t, report.Expected.Equal(dec("8")))
	require.True(t, report.Actual.Equal(dec("8")))
	require.True(t, report.Delta.IsZero())
	require.Empty(t, report.Drift)
}

func TestVerifyFlagsCorruptedLot(t *testing.T) {
	repo := newMemoryRepo()
	e := newTestEngine(repo)
	checker := NewChecker(repo, nil)
	ctx := context.Background()

	lot := receiveAt(t, e, 1, 1, "10", "1.00", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	// Corrupt the store behind the engine's back.
	repo.mu.Lock()
	broken := repo.lots[lot.ID]
	broken.RemainingQty = dec("12")
	repo.lots[lot.ID] = broken
	repo.mu.Unlock()

	report, err := checker.Verify(ctx, 1, 1)
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.True(t, report.Delta.Equal(dec("2")))
	require.Len(t, report.Drift, 1)
	require.Equal(t, lot.ID, report.Drift[0].LotID)
	require.Equal(t, "remaining quantity exceeds received", report.Drift[0].Reason)
}

func TestVerifyFlagsUnreconciledConsumption(t *testing.T) {
	repo := newMemoryRepo()
	e := newTestEngine(repo)
	checker := NewChecker(repo, nil)
	ctx := context.Background()

	lot := receiveAt(t, e, 1, 1, "10", "1.00", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	_, err := e.Consume(ctx, ConsumeInput{VesselID: 1, ProductID: 1, Qty: dec("4"), MovementRef: uuid.New()})
	require.NoError(t, err)

	// Drop the consumption records while keeping the decremented lot.
	repo.mu.Lock()
	for id := range repo.recs {
		delete(repo.recs, id)
	}
	repo.mu.Unlock()

	report, err := checker.Verify(ctx, 1, 1)
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.True(t, report.Delta.Equal(dec("-4")))
	require.Len(t, report.Drift, 1)
	require.Equal(t, lot.ID, report.Drift[0].LotID)
	require.Equal(t, "remaining does not reconcile with consumption history", report.Drift[0].Reason)
}

func TestVerifyAllCoversEveryScope(t *testing.T) {
	repo := newMemoryRepo()
	e := newTestEngine(repo)
	checker := NewChecker(repo, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	receiveAt(t, e, 1, 1, "10", "1.00", base)
	receiveAt(t, e, 1, 2, "20", "1.00", base)
	receiveAt(t, e, 2, 1, "30", "1.00", base)

	reports, err := checker.VerifyAll(ctx, 4)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	require.Equal(t, int64(1), reports[0].VesselID)
	require.Equal(t, int64(1), reports[0].ProductID)
	require.Equal(t, int64(1), reports[1].VesselID)
	require.Equal(t, int64(2), reports[1].ProductID)
	require.Equal(t, int64(2), reports[2].VesselID)
	for _, report := range reports {
		require.True(t, report.Clean())
	}
}
