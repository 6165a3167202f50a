package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists lots and consumption records in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. lockTimeout bounds FOR UPDATE waits
// inside mutating transactions; zero disables the bound.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// TxRepository exposes the transactional operations used by the engine.
type TxRepository interface {
	SelectOpenLotsForUpdate(ctx context.Context, vesselID, productID int64) ([]Lot, error)
	LockLots(ctx context.Context, ids []int64) ([]Lot, error)
	GetLotByOriginForUpdate(ctx context.Context, originRef uuid.UUID) (Lot, error)
	InsertLot(ctx context.Context, lot Lot) (int64, error)
	UpdateLotRemaining(ctx context.Context, lotID int64, remaining decimal.Decimal) error
	DeleteLot(ctx context.Context, lotID int64) error
	InsertConsumption(ctx context.Context, rec ConsumptionRecord) (int64, error)
	SelectConsumptionsByMovement(ctx context.Context, movementRef uuid.UUID) ([]ConsumptionRecord, error)
	DeleteConsumptionsByMovement(ctx context.Context, movementRef uuid.UUID) error
}

type txRepository struct {
	tx pgx.Tx
}

// ErrLotNotFound indicates a missing lot row.
var ErrLotNotFound = errors.New("ledger: lot not found")

// WithTx executes the callback inside a repeatable-read transaction with a
// bounded lock wait. Lock-wait expiry is mapped to ErrLockTimeout.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger: repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if r.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
			return err
		}
	}
	if err := fn(ctx, &txRepository{tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

// OnHand sums remaining quantity for a scope. Reads without locking and may
// trail an in-flight transaction.
func (r *Repository) OnHand(ctx context.Context, vesselID, productID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(remaining_qty), 0) FROM lots WHERE vessel_id=$1 AND product_id=$2`,
		vesselID, productID).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// LedgerTotals aggregates received and consumed quantity for a scope from
// movement history.
func (r *Repository) LedgerTotals(ctx context.Context, vesselID, productID int64) (LedgerTotals, error) {
	var totals LedgerTotals
	err := r.pool.QueryRow(ctx, `SELECT
  COALESCE((SELECT SUM(received_qty) FROM lots WHERE vessel_id=$1 AND product_id=$2), 0),
  COALESCE((SELECT SUM(c.qty) FROM consumption_records c JOIN lots l ON l.id = c.lot_id WHERE l.vessel_id=$1 AND l.product_id=$2), 0)`,
		vesselID, productID).Scan(&totals.Received, &totals.Consumed)
	if err != nil {
		return LedgerTotals{}, err
	}
	return totals, nil
}

// SelectLots lists all lots for a scope in FIFO order, exhausted ones included.
func (r *Repository) SelectLots(ctx context.Context, vesselID, productID int64) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, vessel_id, product_id, received_qty, remaining_qty, unit_cost, received_at, origin_ref, created_at
FROM lots WHERE vessel_id=$1 AND product_id=$2 ORDER BY received_at ASC, id ASC`, vesselID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

// ConsumedByLot sums consumption per lot for a scope, keyed by lot id.
func (r *Repository) ConsumedByLot(ctx context.Context, vesselID, productID int64) (map[int64]decimal.Decimal, error) {
	rows, err := r.pool.Query(ctx, `SELECT c.lot_id, COALESCE(SUM(c.qty), 0)
FROM consumption_records c JOIN lots l ON l.id = c.lot_id
WHERE l.vessel_id=$1 AND l.product_id=$2 GROUP BY c.lot_id`, vesselID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	consumed := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var lotID int64
		var qty decimal.Decimal
		if err := rows.Scan(&lotID, &qty); err != nil {
			return nil, err
		}
		consumed[lotID] = qty
	}
	return consumed, rows.Err()
}

// ListScopes enumerates every (vessel, product) pair with ledger history.
func (r *Repository) ListScopes(ctx context.Context) ([]Scope, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT vessel_id, product_id FROM lots ORDER BY vessel_id, product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scopes []Scope
	for rows.Next() {
		var s Scope
		if err := rows.Scan(&s.VesselID, &s.ProductID); err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// SelectOpenLotsForUpdate locks open lots in id order so concurrent consumes
// and reversals acquire row locks in the same sequence, then reorders the
// result for the FIFO walk.
func (r *txRepository) SelectOpenLotsForUpdate(ctx context.Context, vesselID, productID int64) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, vessel_id, product_id, received_qty, remaining_qty, unit_cost, received_at, origin_ref, created_at
FROM lots WHERE vessel_id=$1 AND product_id=$2 AND remaining_qty > 0
ORDER BY id ASC
FOR UPDATE`, vesselID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lots, err := scanLots(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].ReceivedAt.Equal(lots[j].ReceivedAt) {
			return lots[i].ReceivedAt.Before(lots[j].ReceivedAt)
		}
		return lots[i].ID < lots[j].ID
	})
	return lots, nil
}

// LockLots locks the given lots in id order, matching the acquisition order of
// SelectOpenLotsForUpdate so reversals and consumes do not deadlock.
func (r *txRepository) LockLots(ctx context.Context, ids []int64) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, vessel_id, product_id, received_qty, remaining_qty, unit_cost, received_at, origin_ref, created_at
FROM lots WHERE id = ANY($1) ORDER BY id ASC FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func (r *txRepository) GetLotByOriginForUpdate(ctx context.Context, originRef uuid.UUID) (Lot, error) {
	row := r.tx.QueryRow(ctx, `SELECT id, vessel_id, product_id, received_qty, remaining_qty, unit_cost, received_at, origin_ref, created_at
FROM lots WHERE origin_ref=$1 FOR UPDATE`, originRef)
	lot, err := scanLot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrLotNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO lots (vessel_id, product_id, received_qty, remaining_qty, unit_cost, received_at, origin_ref, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW()) RETURNING id`,
		lot.VesselID, lot.ProductID, lot.ReceivedQty, lot.RemainingQty, lot.UnitCost, lot.ReceivedAt, lot.OriginRef).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateLotRemaining(ctx context.Context, lotID int64, remaining decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE lots SET remaining_qty=$2 WHERE id=$1`, lotID, remaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) DeleteLot(ctx context.Context, lotID int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM lots WHERE id=$1`, lotID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) InsertConsumption(ctx context.Context, rec ConsumptionRecord) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO consumption_records (movement_ref, lot_id, qty, unit_cost, created_at)
VALUES ($1,$2,$3,$4,NOW()) RETURNING id`,
		rec.MovementRef, rec.LotID, rec.Qty, rec.UnitCost).Scan(&id)
	return id, err
}

func (r *txRepository) SelectConsumptionsByMovement(ctx context.Context, movementRef uuid.UUID) ([]ConsumptionRecord, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, movement_ref, lot_id, qty, unit_cost, created_at
FROM consumption_records WHERE movement_ref=$1 ORDER BY lot_id ASC`, movementRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []ConsumptionRecord
	for rows.Next() {
		var rec ConsumptionRecord
		if err := rows.Scan(&rec.ID, &rec.MovementRef, &rec.LotID, &rec.Qty, &rec.UnitCost, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *txRepository) DeleteConsumptionsByMovement(ctx context.Context, movementRef uuid.UUID) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM consumption_records WHERE movement_ref=$1`, movementRef)
	return err
}

func scanLots(rows pgx.Rows) ([]Lot, error) {
	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanLot(row pgx.Row) (Lot, error) {
	var lot Lot
	err := row.Scan(&lot.ID, &lot.VesselID, &lot.ProductID, &lot.ReceivedQty, &lot.RemainingQty,
		&lot.UnitCost, &lot.ReceivedAt, &lot.OriginRef, &lot.CreatedAt)
	return lot, err
}

const (
	// lock_not_available: the SET LOCAL lock_timeout bound expired.
	pgCodeLockNotAvailable = "55P03"
	// serialization_failure: repeatable read lost a snapshot conflict.
	pgCodeSerializationFailure = "40001"
)

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgCodeLockNotAvailable:
		return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
	case pgCodeSerializationFailure:
		return fmt.Errorf("%w: %s", ErrSerializationConflict, pgErr.Message)
	}
	return err
}
