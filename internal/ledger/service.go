package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the engine.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	OnHand(ctx context.Context, vesselID, productID int64) (decimal.Decimal, error)
	LedgerTotals(ctx context.Context, vesselID, productID int64) (LedgerTotals, error)
	SelectLots(ctx context.Context, vesselID, productID int64) ([]Lot, error)
	ConsumedByLot(ctx context.Context, vesselID, productID int64) (map[int64]decimal.Decimal, error)
	ListScopes(ctx context.Context) ([]Scope, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards movement posting keys against duplicates.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsPort records ledger operation outcomes.
type MetricsPort interface {
	ObserveLedgerOp(op, result string, started time.Time)
}

// CachePort serves cached on-hand totals and invalidates them after commits.
type CachePort interface {
	FetchOnHand(ctx context.Context, vesselID, productID int64, loader func(context.Context) (decimal.Decimal, error)) (decimal.Decimal, error)
	Bump(ctx context.Context) error
}

// EngineConfig groups optional engine collaborators.
type EngineConfig struct {
	Metrics MetricsPort
	Cache   CachePort
	Logger  *slog.Logger
}

// Engine owns all mutation of lots and consumption records. External movement
// records are referenced by UUID, never created or deleted here.
type Engine struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     MetricsPort
	cache       CachePort
	logger      *slog.Logger
}

var validate = validator.New()

// NewEngine builds the ledger engine.
func NewEngine(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		metrics:     cfg.Metrics,
		cache:       cfg.Cache,
		logger:      logger,
	}
}

// Receive creates exactly one lot for an inbound movement.
func (e *Engine) Receive(ctx context.Context, input ReceiveInput) (Lot, error) {
	started := time.Now()
	if err := validate.Struct(input); err != nil {
		return Lot{}, fmt.Errorf("ledger: vessel and product required: %w", err)
	}
	if !input.Qty.IsPositive() {
		return Lot{}, ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return Lot{}, ErrInvalidUnitCost
	}
	if input.MovementRef == uuid.Nil {
		return Lot{}, ErrMovementRefRequired
	}
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	key := shared.MovementKey("receive", input.MovementRef)
	insertedKey, err := e.claimKey(ctx, key)
	if err != nil {
		return Lot{}, err
	}

	lot := Lot{
		VesselID:     input.VesselID,
		ProductID:    input.ProductID,
		ReceivedQty:  input.Qty,
		RemainingQty: input.Qty,
		UnitCost:     input.UnitCost,
		ReceivedAt:   receivedAt,
		OriginRef:    input.MovementRef,
	}
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		lot.ID = id
		return nil
	})
	if err != nil {
		e.releaseKey(ctx, key, insertedKey)
		e.observe("receive", err, started)
		return Lot{}, err
	}

	e.afterCommit(ctx, "receive", input.ActorID, input.MovementRef, map[string]any{
		"vessel_id":  input.VesselID,
		"product_id": input.ProductID,
		"qty":        input.Qty.String(),
		"unit_cost":  input.UnitCost.String(),
		"lot_id":     lot.ID,
		"note":       input.Note,
	})
	e.observe("receive", nil, started)
	return lot, nil
}

// Consume satisfies an outbound movement oldest-lot-first. All-or-nothing:
// a shortfall fails the whole call with no persisted mutation.
func (e *Engine) Consume(ctx context.Context, input ConsumeInput) (ConsumptionPlan, error) {
	started := time.Now()
	if err := validate.Struct(input); err != nil {
		return ConsumptionPlan{}, fmt.Errorf("ledger: vessel and product required: %w", err)
	}
	if !input.Qty.IsPositive() {
		return ConsumptionPlan{}, ErrInvalidQuantity
	}
	if input.MovementRef == uuid.Nil {
		return ConsumptionPlan{}, ErrMovementRefRequired
	}

	key := shared.MovementKey("consume", input.MovementRef)
	insertedKey, err := e.claimKey(ctx, key)
	if err != nil {
		return ConsumptionPlan{}, err
	}

	var plan ConsumptionPlan
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		plan, err = consumeTx(ctx, tx, input.VesselID, input.ProductID, input.Qty, input.MovementRef)
		return err
	})
	if err != nil {
		e.releaseKey(ctx, key, insertedKey)
		e.observe("consume", err, started)
		return ConsumptionPlan{}, err
	}

	e.afterCommit(ctx, "consume", input.ActorID, input.MovementRef, map[string]any{
		"vessel_id":  input.VesselID,
		"product_id": input.ProductID,
		"qty":        input.Qty.String(),
		"lots":       len(plan.Lines),
		"total_cost": plan.TotalCost.String(),
		"note":       input.Note,
	})
	e.observe("consume", nil, started)
	return plan, nil
}

// Transfer composes consume at the source vessel and receive at the
// destination inside one transaction. The destination lot carries the
// weighted average cost of the consumed plan.
func (e *Engine) Transfer(ctx context.Context, input TransferInput) (ConsumptionPlan, Lot, error) {
	started := time.Now()
	if err := validate.Struct(input); err != nil {
		return ConsumptionPlan{}, Lot{}, fmt.Errorf("ledger: vessel and product required: %w", err)
	}
	if input.SrcVesselID == input.DstVesselID {
		return ConsumptionPlan{}, Lot{}, errors.New("ledger: source and destination vessel must differ")
	}
	if !input.Qty.IsPositive() {
		return ConsumptionPlan{}, Lot{}, ErrInvalidQuantity
	}
	if input.OutRef == uuid.Nil || input.InRef == uuid.Nil {
		return ConsumptionPlan{}, Lot{}, ErrMovementRefRequired
	}
	if input.OutRef == input.InRef {
		return ConsumptionPlan{}, Lot{}, errors.New("ledger: transfer legs need distinct movement references")
	}

	key := shared.MovementKey("transfer", input.OutRef)
	insertedKey, err := e.claimKey(ctx, key)
	if err != nil {
		return ConsumptionPlan{}, Lot{}, err
	}

	var plan ConsumptionPlan
	var lot Lot
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		plan, err = consumeTx(ctx, tx, input.SrcVesselID, input.ProductID, input.Qty, input.OutRef)
		if err != nil {
			return err
		}
		lot = Lot{
			VesselID:     input.DstVesselID,
			ProductID:    input.ProductID,
			ReceivedQty:  input.Qty,
			RemainingQty: input.Qty,
			UnitCost:     plan.WeightedUnitCost(),
			ReceivedAt:   time.Now().UTC(),
			OriginRef:    input.InRef,
		}
		id, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		lot.ID = id
		return nil
	})
	if err != nil {
		e.releaseKey(ctx, key, insertedKey)
		e.observe("transfer", err, started)
		return ConsumptionPlan{}, Lot{}, err
	}

	e.afterCommit(ctx, "transfer", input.ActorID, input.OutRef, map[string]any{
		"src_vessel_id": input.SrcVesselID,
		"dst_vessel_id": input.DstVesselID,
		"product_id":    input.ProductID,
		"qty":           input.Qty.String(),
		"in_ref":        input.InRef.String(),
		"note":          input.Note,
	})
	e.observe("transfer", nil, started)
	return plan, lot, nil
}

// ReverseOutbound undoes a prior consumption, restoring every touched lot to
// its pre-consume remaining quantity and deleting the records. Re-invoking on
// an already-reversed movement is a no-op.
func (e *Engine) ReverseOutbound(ctx context.Context, movementRef uuid.UUID, actorID int64) error {
	started := time.Now()
	if movementRef == uuid.Nil {
		return ErrMovementRefRequired
	}
	reversed := false
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		recs, err := tx.SelectConsumptionsByMovement(ctx, movementRef)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(recs))
		seen := make(map[int64]bool, len(recs))
		for _, rec := range recs {
			if !seen[rec.LotID] {
				seen[rec.LotID] = true
				ids = append(ids, rec.LotID)
			}
		}
		lots, err := tx.LockLots(ctx, ids)
		if err != nil {
			return err
		}
		if len(lots) != len(ids) {
			return fmt.Errorf("%w: consumption records reference missing lots for movement %s", ErrIntegrityViolation, movementRef)
		}
		byID := make(map[int64]Lot, len(lots))
		for _, lot := range lots {
			byID[lot.ID] = lot
		}
		for _, rec := range recs {
			lot := byID[rec.LotID]
			lot.RemainingQty = lot.RemainingQty.Add(rec.Qty)
			byID[rec.LotID] = lot
		}
		for _, id := range ids {
			lot := byID[id]
			if lot.RemainingQty.GreaterThan(lot.ReceivedQty) {
				return fmt.Errorf("%w: restoring lot %d beyond received quantity", ErrIntegrityViolation, id)
			}
			if err := tx.UpdateLotRemaining(ctx, id, lot.RemainingQty); err != nil {
				return err
			}
		}
		if err := tx.DeleteConsumptionsByMovement(ctx, movementRef); err != nil {
			return err
		}
		reversed = true
		return nil
	})
	if err != nil {
		e.observe("reverse_outbound", err, started)
		return err
	}
	if reversed {
		e.afterCommit(ctx, "reverse_outbound", actorID, movementRef, nil)
		// The movement may have been posted as a plain consume or as the
		// outbound leg of a transfer; free both keys.
		e.releaseMovement(ctx, movementRef, "consume", "transfer")
	}
	e.observe("reverse_outbound", nil, started)
	return nil
}

// ReverseInbound undoes a supply/transfer-in by deleting its lot, but only if
// the lot was never consumed. Partial consumption is a hard failure needing a
// business-level decision first. Missing lot is a no-op.
func (e *Engine) ReverseInbound(ctx context.Context, movementRef uuid.UUID, actorID int64) error {
	started := time.Now()
	if movementRef == uuid.Nil {
		return ErrMovementRefRequired
	}
	reversed := false
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lot, err := tx.GetLotByOriginForUpdate(ctx, movementRef)
		if err != nil {
			if errors.Is(err, ErrLotNotFound) {
				return nil
			}
			return err
		}
		if lot.RemainingQty.LessThan(lot.ReceivedQty) {
			return &ReversalError{MovementRef: movementRef, Reason: "lot already partially consumed"}
		}
		if err := tx.DeleteLot(ctx, lot.ID); err != nil {
			return err
		}
		reversed = true
		return nil
	})
	if err != nil {
		e.observe("reverse_inbound", err, started)
		return err
	}
	if reversed {
		e.afterCommit(ctx, "reverse_inbound", actorID, movementRef, nil)
		e.releaseMovement(ctx, movementRef, "receive")
	}
	e.observe("reverse_inbound", nil, started)
	return nil
}

// OnHand returns the current on-hand quantity for a scope, read-through the
// cache when one is configured.
func (e *Engine) OnHand(ctx context.Context, vesselID, productID int64) (decimal.Decimal, error) {
	if vesselID == 0 || productID == 0 {
		return decimal.Zero, errors.New("ledger: vessel and product required")
	}
	if e.cache == nil {
		return e.repo.OnHand(ctx, vesselID, productID)
	}
	return e.cache.FetchOnHand(ctx, vesselID, productID, func(ctx context.Context) (decimal.Decimal, error) {
		return e.repo.OnHand(ctx, vesselID, productID)
	})
}

// consumeTx walks open lots oldest-first inside the caller's transaction.
// Shared by Consume and Transfer.
func consumeTx(ctx context.Context, tx TxRepository, vesselID, productID int64, qty decimal.Decimal, movementRef uuid.UUID) (ConsumptionPlan, error) {
	lots, err := tx.SelectOpenLotsForUpdate(ctx, vesselID, productID)
	if err != nil {
		return ConsumptionPlan{}, err
	}
	available := decimal.Zero
	for _, lot := range lots {
		available = available.Add(lot.RemainingQty)
	}
	if available.LessThan(qty) {
		return ConsumptionPlan{}, &InsufficientStockError{
			Requested: qty,
			Available: available,
			Shortfall: qty.Sub(available),
		}
	}

	plan := ConsumptionPlan{MovementRef: movementRef, TotalQty: decimal.Zero, TotalCost: decimal.Zero}
	outstanding := qty
	for _, lot := range lots {
		if !outstanding.IsPositive() {
			break
		}
		take := decimal.Min(lot.RemainingQty, outstanding)
		remaining := lot.RemainingQty.Sub(take)
		if remaining.IsNegative() {
			return ConsumptionPlan{}, fmt.Errorf("%w: lot %d would go negative", ErrIntegrityViolation, lot.ID)
		}
		if err := tx.UpdateLotRemaining(ctx, lot.ID, remaining); err != nil {
			return ConsumptionPlan{}, err
		}
		if _, err := tx.InsertConsumption(ctx, ConsumptionRecord{
			MovementRef: movementRef,
			LotID:       lot.ID,
			Qty:         take,
			UnitCost:    lot.UnitCost,
		}); err != nil {
			return ConsumptionPlan{}, err
		}
		plan.Lines = append(plan.Lines, PlanLine{LotID: lot.ID, Qty: take, UnitCost: lot.UnitCost})
		plan.TotalQty = plan.TotalQty.Add(take)
		plan.TotalCost = plan.TotalCost.Add(take.Mul(lot.UnitCost))
		outstanding = outstanding.Sub(take)
	}
	return plan, nil
}

func (e *Engine) claimKey(ctx context.Context, key string) (bool, error) {
	if e.idempotency == nil {
		return false, nil
	}
	if err := e.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) releaseKey(ctx context.Context, key string, inserted bool) {
	if inserted {
		_ = e.idempotency.Delete(ctx, key)
	}
}

// releaseMovement frees posting keys so a re-posted movement after reversal is
// not rejected as a duplicate.
func (e *Engine) releaseMovement(ctx context.Context, ref uuid.UUID, ops ...string) {
	if e.idempotency == nil {
		return
	}
	for _, op := range ops {
		_ = e.idempotency.Delete(ctx, shared.MovementKey(op, ref))
	}
}

func (e *Engine) afterCommit(ctx context.Context, action string, actorID int64, ref uuid.UUID, meta map[string]any) {
	if e.cache != nil {
		if err := e.cache.Bump(ctx); err != nil {
			e.logger.Warn("on-hand cache bump failed", slog.Any("error", err))
		}
	}
	if e.audit != nil {
		_ = e.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   fmt.Sprintf("ledger:%s", action),
			Entity:   "movement",
			EntityID: ref.String(),
			Meta:     meta,
		})
	}
}

func (e *Engine) observe(op string, err error, started time.Time) {
	if e.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		var insufficient *InsufficientStockError
		switch {
		case errors.As(err, &insufficient):
			result = "insufficient_stock"
		case errors.Is(err, ErrLockTimeout):
			result = "lock_timeout"
		case errors.Is(err, ErrSerializationConflict):
			result = "serialization_conflict"
		case errors.Is(err, ErrIntegrityViolation):
			result = "integrity_violation"
		default:
			result = "error"
		}
	}
	e.metrics.ObserveLedgerOp(op, result, started)
}
