package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
)

const (
	lockOrderPaymentSQL = `SELECT payment_status FROM orders WHERE id = $1 FOR UPDATE`

	supersedeAttemptsSQL = `UPDATE payment_attempts SET status = 'superseded', updated_at = $2
	WHERE order_id = $1 AND status = 'open'`

	insertAttemptSQL = `INSERT INTO payment_attempts (reference, order_id, amount_minor, currency, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $6)`

	setReferenceSQL = `UPDATE orders SET reference = $2, payment_mismatch = NULL, updated_at = $3
	WHERE id = $1 AND payment_status <> 'paid'`

	findAttemptSQL = `SELECT reference, order_id, amount_minor, currency, status, created_at
	FROM payment_attempts WHERE reference = $1`

	// markPaidSQL is the only statement that flips an order to paid from the
	// gateway path. Zero rows affected means another caller won.
	markPaidSQL = `UPDATE orders SET
		payment_status = 'paid',
		paid_at = COALESCE(paid_at, $2),
		verified_amount = $3,
		card_type = $4,
		card_last4 = $5,
		payment_mismatch = NULL,
		updated_at = $2
	WHERE id = $1 AND payment_status <> 'paid'`

	settleAttemptSQL = `UPDATE payment_attempts SET status = $2, updated_at = $3
	WHERE reference = $1 AND status = 'open'`

	recordMismatchSQL = `UPDATE orders SET payment_mismatch = $2, updated_at = $3
	WHERE id = $1 AND payment_status <> 'paid'`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// AttachReference records a new open attempt and makes it the order's
// current reference, superseding earlier open attempts.
func (r *PaymentRepository) AttachReference(ctx context.Context, a payment.Attempt) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, lockOrderPaymentSQL, a.OrderID).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return order.ErrNotFound
			}
			return fmt.Errorf("locking order %q: %w", a.OrderID, err)
		}
		if order.PaymentStatus(status) == order.PaymentPaid {
			return payment.ErrAlreadyPaid
		}

		if _, err := tx.Exec(ctx, supersedeAttemptsSQL, a.OrderID, a.CreatedAt); err != nil {
			return fmt.Errorf("superseding attempts of %q: %w", a.OrderID, err)
		}
		if _, err := tx.Exec(ctx, insertAttemptSQL,
			a.Reference, a.OrderID, a.AmountMinor, a.Currency, string(payment.AttemptOpen), a.CreatedAt,
		); err != nil {
			return fmt.Errorf("inserting attempt %q: %w", a.Reference, err)
		}
		if _, err := tx.Exec(ctx, setReferenceSQL, a.OrderID, a.Reference, a.CreatedAt); err != nil {
			return fmt.Errorf("setting reference of %q: %w", a.OrderID, err)
		}
		return nil
	})
}

// FindAttempt returns the attempt for a reference or
// payment.ErrAttemptNotFound.
func (r *PaymentRepository) FindAttempt(ctx context.Context, reference string) (*payment.Attempt, error) {
	var (
		a      payment.Attempt
		status string
	)
	err := r.pool.QueryRow(ctx, findAttemptSQL, reference).Scan(
		&a.Reference, &a.OrderID, &a.AmountMinor, &a.Currency, &status, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("finding attempt %q: %w", reference, err)
	}
	a.Status = payment.AttemptStatus(status)
	return &a, nil
}

// MarkPaid performs the unpaid -> paid flip and reports whether this call
// did it.
func (r *PaymentRepository) MarkPaid(ctx context.Context, orderID string, c payment.Capture) (bool, error) {
	var flipped bool
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, markPaidSQL, orderID, c.At, c.Amount, c.CardType, c.Last4)
		if err != nil {
			return fmt.Errorf("marking order %q paid: %w", orderID, err)
		}
		flipped = tag.RowsAffected() == 1
		if !flipped {
			return nil
		}
		if _, err := tx.Exec(ctx, settleAttemptSQL, c.Reference, string(payment.AttemptSucceeded), c.At); err != nil {
			return fmt.Errorf("settling attempt %q: %w", c.Reference, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return flipped, nil
}

// RecordMismatch stores m on an unpaid order for manual review.
func (r *PaymentRepository) RecordMismatch(ctx context.Context, orderID string, m order.Mismatch) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling mismatch: %w", err)
	}
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, recordMismatchSQL, orderID, raw, m.DetectedAt); err != nil {
			return fmt.Errorf("recording mismatch on %q: %w", orderID, err)
		}
		if _, err := tx.Exec(ctx, settleAttemptSQL, m.Reference, string(payment.AttemptMismatched), m.DetectedAt); err != nil {
			return fmt.Errorf("settling attempt %q: %w", m.Reference, err)
		}
		return nil
	})
}
