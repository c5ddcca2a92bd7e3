package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/order"
)

const orderColumns = `id, user_id, guest, items, subtotal, discount, total, address, status,
	payment_method, payment_status, payment_currency, COALESCE(reference, ''), stock_reserved, card_type, card_last4,
	verified_amount, payment_mismatch, paid_at, delivered_at, created_at, updated_at`

const (
	decrementStockSQL = `UPDATE variants SET in_stock = in_stock - $2
	WHERE id = $1 AND in_stock >= $2`

	restockSQL = `UPDATE variants SET in_stock = in_stock + $2 WHERE id = $1`

	insertOrderSQL = `INSERT INTO orders (id, user_id, guest, items, subtotal, discount, total, address,
	status, payment_method, payment_status, payment_currency, reference, stock_reserved, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14, $15, $16)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	// Entering a status that marks the order paid never overwrites an
	// earlier paid_at. SET expressions see the pre-update row.
	transitionSQL = `UPDATE orders SET
		status = $3,
		updated_at = $4,
		payment_status = CASE WHEN $5::boolean THEN 'paid' ELSE payment_status END,
		paid_at = CASE WHEN $5::boolean AND payment_status <> 'paid' THEN $4 ELSE paid_at END,
		delivered_at = CASE WHEN $6::boolean THEN $4 ELSE delivered_at END
	WHERE id = $1 AND status = $2
	RETURNING ` + orderColumns
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. JSON snapshots are stored in JSONB columns.
// With o.StockReserved set every line decrements stock first; variants are
// locked in ID order so concurrent multi-line orders cannot deadlock.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}
	disc, err := json.Marshal(o.Discount)
	if err != nil {
		return fmt.Errorf("marshaling order discount: %w", err)
	}
	addr, err := json.Marshal(o.Address)
	if err != nil {
		return fmt.Errorf("marshaling order address: %w", err)
	}
	var guest []byte
	if o.Guest != nil {
		if guest, err = json.Marshal(o.Guest); err != nil {
			return fmt.Errorf("marshaling order guest: %w", err)
		}
	}

	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if o.StockReserved {
			if err := reserveStock(ctx, tx, o.Items); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, insertOrderSQL,
			o.ID, o.UserID, guest, items, o.Subtotal, disc, o.Total, addr,
			string(o.Status), string(o.PaymentMethod), string(o.PaymentStatus), o.PaymentCurrency,
			o.Reference, o.StockReserved, o.CreatedAt, o.UpdatedAt,
		); err != nil {
			return fmt.Errorf("creating order %q: %w", o.ID, err)
		}
		return nil
	})
}

func reserveStock(ctx context.Context, tx pgx.Tx, items []order.Item) error {
	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b order.Item) int { return strings.Compare(a.VariantID, b.VariantID) })

	for _, it := range sorted {
		tag, err := tx.Exec(ctx, decrementStockSQL, it.VariantID, it.Quantity)
		if err != nil {
			return fmt.Errorf("reserving stock for %q: %w", it.VariantID, err)
		}
		if tag.RowsAffected() == 0 {
			return &order.LineItemError{
				ProductID: it.ProductID,
				VariantID: it.VariantID,
				Reason:    "insufficient stock",
				Err:       order.ErrOutOfStock,
			}
		}
	}
	return nil
}

// GetByID returns an order or order.ErrNotFound.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("scanning order %q: %w", id, err)
	}
	return o, nil
}

// Transition applies t with a compare-and-set on the current status. A
// restocking transition returns every line's quantity in the same
// transaction, but only for orders that reserved stock when placed.
func (r *OrderRepository) Transition(ctx context.Context, id string, t order.Transition, now time.Time) (*order.Order, error) {
	var updated *order.Order
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, transitionSQL,
			id, string(t.From), string(t.To), now,
			t.Has(order.EffectMarkPaid), t.Has(order.EffectStampDelivered),
		)
		if err != nil {
			return fmt.Errorf("transitioning order %q: %w", id, err)
		}
		o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return order.ErrStatusConflict
			}
			return fmt.Errorf("scanning order %q: %w", id, err)
		}

		if t.Has(order.EffectRestock) && o.StockReserved {
			for _, it := range o.Items {
				if _, err := tx.Exec(ctx, restockSQL, it.VariantID, it.Quantity); err != nil {
					return fmt.Errorf("restocking %q: %w", it.VariantID, err)
				}
			}
		}
		updated = o
		return nil
	})
	if errors.Is(err, order.ErrStatusConflict) {
		if _, getErr := r.GetByID(ctx, id); errors.Is(getErr, order.ErrNotFound) {
			return nil, order.ErrNotFound
		}
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o                              order.Order
		guest, items, disc, addr, mism []byte
		status, method, paymentStatus  string
	)
	if err := row.Scan(
		&o.ID, &o.UserID, &guest, &items, &o.Subtotal, &disc, &o.Total, &addr, &status,
		&method, &paymentStatus, &o.PaymentCurrency, &o.Reference, &o.StockReserved, &o.CardType, &o.CardLast4,
		&o.VerifiedAmount, &mism, &o.PaidAt, &o.DeliveredAt, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.Status = order.Status(status)
	o.PaymentMethod = order.PaymentMethod(method)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)

	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling items: %w", err)
	}
	if err := json.Unmarshal(disc, &o.Discount); err != nil {
		return nil, fmt.Errorf("unmarshaling discount: %w", err)
	}
	if err := json.Unmarshal(addr, &o.Address); err != nil {
		return nil, fmt.Errorf("unmarshaling address: %w", err)
	}
	if guest != nil {
		o.Guest = new(order.GuestInfo)
		if err := json.Unmarshal(guest, o.Guest); err != nil {
			return nil, fmt.Errorf("unmarshaling guest: %w", err)
		}
	}
	if mism != nil {
		o.Mismatch = new(order.Mismatch)
		if err := json.Unmarshal(mism, o.Mismatch); err != nil {
			return nil, fmt.Errorf("unmarshaling payment mismatch: %w", err)
		}
	}
	return &o, nil
}
