package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LotState describes the lifecycle of a lot.
type LotState string

const (
	// LotStateOpen indicates remaining quantity is still available.
	LotStateOpen LotState = "OPEN"
	// LotStateExhausted indicates the lot is fully consumed but retained for cost history.
	LotStateExhausted LotState = "EXHAUSTED"
)

// Lot models one inbound batch of a product received at a vessel.
// ReceivedQty and UnitCost are immutable once written; RemainingQty moves
// only through consumption and reversal.
type Lot struct {
	ID           int64
	VesselID     int64
	ProductID    int64
	ReceivedQty  decimal.Decimal
	RemainingQty decimal.Decimal
	UnitCost     decimal.Decimal
	ReceivedAt   time.Time
	OriginRef    uuid.UUID
	CreatedAt    time.Time
}

// State derives the lot state from the remaining quantity.
func (l Lot) State() LotState {
	if l.RemainingQty.IsPositive() {
		return LotStateOpen
	}
	return LotStateExhausted
}

// ConsumptionRecord links one outbound movement to one lot it drew down.
// UnitCost is copied from the lot at consumption time so historical cost
// survives later lot edits.
type ConsumptionRecord struct {
	ID          int64
	MovementRef uuid.UUID
	LotID       int64
	Qty         decimal.Decimal
	UnitCost    decimal.Decimal
	CreatedAt   time.Time
}

// PlanLine is one (lot, quantity, cost) slice of a consumption plan.
type PlanLine struct {
	LotID    int64
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
}

// ConsumptionPlan is the committed result of a consume call.
type ConsumptionPlan struct {
	MovementRef uuid.UUID
	Lines       []PlanLine
	TotalQty    decimal.Decimal
	TotalCost   decimal.Decimal
}

// WeightedUnitCost returns TotalCost / TotalQty, zero when the plan is empty.
func (p ConsumptionPlan) WeightedUnitCost() decimal.Decimal {
	if p.TotalQty.IsZero() {
		return decimal.Zero
	}
	return p.TotalCost.Div(p.TotalQty)
}

// ReceiveInput describes an inbound movement (supply or transfer-in).
type ReceiveInput struct {
	VesselID    int64 `validate:"gt=0"`
	ProductID   int64 `validate:"gt=0"`
	Qty         decimal.Decimal
	UnitCost    decimal.Decimal
	MovementRef uuid.UUID
	ReceivedAt  time.Time
	ActorID     int64
	Note        string
}

// ConsumeInput describes an outbound movement (sale, transfer-out, waste).
type ConsumeInput struct {
	VesselID    int64 `validate:"gt=0"`
	ProductID   int64 `validate:"gt=0"`
	Qty         decimal.Decimal
	MovementRef uuid.UUID
	ActorID     int64
	Note        string
}

// TransferInput moves stock between two vessels as consume + receive in one
// transaction. OutRef and InRef identify the paired movements.
type TransferInput struct {
	SrcVesselID int64 `validate:"gt=0"`
	DstVesselID int64 `validate:"gt=0"`
	ProductID   int64 `validate:"gt=0"`
	Qty         decimal.Decimal
	OutRef      uuid.UUID
	InRef       uuid.UUID
	ActorID     int64
	Note        string
}

// Scope identifies one (vessel, product) ledger partition.
type Scope struct {
	VesselID  int64
	ProductID int64
}

// LedgerTotals aggregates movement history for a scope.
type LedgerTotals struct {
	Received decimal.Decimal
	Consumed decimal.Decimal
}

// LotDrift flags a single lot whose quantities violate the ledger invariant.
type LotDrift struct {
	LotID        int64
	ReceivedQty  decimal.Decimal
	RemainingQty decimal.Decimal
	ConsumedQty  decimal.Decimal
	Reason       string
}

// IntegrityReport compares recomputed on-hand against movement history.
// It never mutates anything; repair is a separate operator action.
type IntegrityReport struct {
	VesselID  int64
	ProductID int64
	Expected  decimal.Decimal
	Actual    decimal.Decimal
	Delta     decimal.Decimal
	Drift     []LotDrift
	CheckedAt time.Time
}

// Clean reports whether the scope shows no drift at all.
func (r IntegrityReport) Clean() bool {
	return r.Delta.IsZero() && len(r.Drift) == 0
}

// ErrInvalidQuantity rejects non-positive quantities before any mutation.
var ErrInvalidQuantity = errors.New("ledger: quantity must be positive")

// ErrInvalidUnitCost rejects negative unit costs.
var ErrInvalidUnitCost = errors.New("ledger: unit cost must be >= 0")

// ErrMovementRefRequired indicates a missing movement reference.
var ErrMovementRefRequired = errors.New("ledger: movement reference required")

// ErrLockTimeout indicates the bounded lock wait expired before any mutation.
// Safe to retry.
var ErrLockTimeout = errors.New("ledger: lock wait timed out")

// ErrSerializationConflict indicates the transaction lost a snapshot conflict
// under repeatable read. Safe to retry.
var ErrSerializationConflict = errors.New("ledger: transaction serialization conflict")

// ErrIntegrityViolation signals an internal invariant breach. The enclosing
// transaction is aborted; this is a bug, not a business condition.
var ErrIntegrityViolation = errors.New("ledger: lot invariant violated")

// InsufficientStockError reports that requested consumption exceeds available
// remaining quantity across all lots. Nothing was persisted.
type InsufficientStockError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("ledger: insufficient stock: requested %s, available %s (short %s)",
		e.Requested, e.Available, e.Shortfall)
}

// ReversalError blocks an inbound reversal whose lot has outstanding
// consumption. Resolving it needs a business decision outside the engine.
type ReversalError struct {
	MovementRef uuid.UUID
	Reason      string
}

func (e *ReversalError) Error() string {
	return fmt.Sprintf("ledger: cannot reverse movement %s: %s", e.MovementRef, e.Reason)
}
