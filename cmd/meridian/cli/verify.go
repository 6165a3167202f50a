package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

// VerifyCLI runs integrity checks from the command line.
type VerifyCLI struct {
	checker *ledger.Checker
	out     io.Writer
}

// NewVerifyCLI initialises the helper.
func NewVerifyCLI(checker *ledger.Checker, out io.Writer) *VerifyCLI {
	return &VerifyCLI{checker: checker, out: out}
}

// Run verifies one scope when vesselID and productID are set, otherwise every
// scope with ledger history. Returns the number of drifting scopes.
func (c *VerifyCLI) Run(ctx context.Context, vesselID, productID int64, parallelism int) (int, error) {
	if c == nil || c.checker == nil {
		return 0, errors.New("verify cli: checker not configured")
	}

	var reports []ledger.IntegrityReport
	if vesselID != 0 && productID != 0 {
		report, err := c.checker.Verify(ctx, vesselID, productID)
		if err != nil {
			return 0, err
		}
		reports = append(reports, report)
	} else {
		var err error
		reports, err = c.checker.VerifyAll(ctx, parallelism)
		if err != nil {
			return 0, err
		}
	}

	drifting := 0
	for _, report := range reports {
		status := "ok"
		if !report.Clean() {
			status = "DRIFT"
			drifting++
		}
		fmt.Fprintf(c.out, "vessel=%d product=%d expected=%s actual=%s delta=%s lots=%d %s\n",
			report.VesselID, report.ProductID, report.Expected, report.Actual, report.Delta, len(report.Drift), status)
		for _, d := range report.Drift {
			fmt.Fprintf(c.out, "  lot=%d received=%s remaining=%s consumed=%s reason=%s\n",
				d.LotID, d.ReceivedQty, d.RemainingQty, d.ConsumedQty, d.Reason)
		}
	}
	fmt.Fprintf(c.out, "checked %d scope(s), %d drifting\n", len(reports), drifting)
	return drifting, nil
}
