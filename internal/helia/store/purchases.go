package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credit purchase statuses. A purchase starts pending and is settled by
// the payment webhook exactly once.
const (
	PurchasePending   = "pending"
	PurchaseSucceeded = "succeeded"
	PurchaseFailed    = "failed"
	PurchaseExpired   = "expired"
)

// CreditPurchase links a payment-provider payment to a credit grant.
type CreditPurchase struct {
	ID          string
	UserID      string
	Credits     int
	AmountCents int
	Currency    string
	PaymentID   string
	Status      string
	ProductID   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreatePurchase inserts a pending purchase record.
func (s *Store) CreatePurchase(ctx context.Context, p *CreditPurchase) error {
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	if p.Status == "" {
		p.Status = PurchasePending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_purchases (id, user_id, credits, amount_cents, currency,
			payment_id, status, product_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.Credits, p.AmountCents, p.Currency,
		p.PaymentID, p.Status, p.ProductID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

// GetPurchaseByPaymentID retrieves a purchase by the provider's payment ID.
func (s *Store) GetPurchaseByPaymentID(ctx context.Context, paymentID string) (*CreditPurchase, error) {
	p := &CreditPurchase{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, credits, amount_cents, currency, payment_id, status,
			product_id, created_at, updated_at
		FROM credit_purchases WHERE payment_id = ?
	`, paymentID).Scan(&p.ID, &p.UserID, &p.Credits, &p.AmountCents, &p.Currency,
		&p.PaymentID, &p.Status, &p.ProductID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

// ListPurchases returns the user's purchases, newest first.
func (s *Store) ListPurchases(ctx context.Context, userID string) ([]*CreditPurchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, credits, amount_cents, currency, payment_id, status,
			product_id, created_at, updated_at
		FROM credit_purchases
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	var purchases []*CreditPurchase
	for rows.Next() {
		p := &CreditPurchase{}
		if err := rows.Scan(&p.ID, &p.UserID, &p.Credits, &p.AmountCents, &p.Currency,
			&p.PaymentID, &p.Status, &p.ProductID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// SettlePurchase transitions a purchase from pending to the given terminal
// status, crediting the user's balance when the status is succeeded. The
// transition and the credit grant happen in one transaction, and only the
// pending -> terminal edge fires: redelivered webhook events are no-ops.
// Returns the number of credits granted (0 for non-success or redelivery).
func (s *Store) SettlePurchase(ctx context.Context, paymentID, status string) (int, error) {
	switch status {
	case PurchaseSucceeded, PurchaseFailed, PurchaseExpired:
	default:
		return 0, fmt.Errorf("invalid purchase status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin settle transaction: %w", err)
	}
	defer tx.Rollback()

	var id, userID string
	var credits int
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, credits FROM credit_purchases
		WHERE payment_id = ? AND status = ?
	`, paymentID, PurchasePending).Scan(&id, &userID, &credits)
	if errors.Is(err, sql.ErrNoRows) {
		// Unknown payment or already settled; idempotency check happens at
		// the caller with GetPurchaseByPaymentID.
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load pending purchase: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_purchases SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now(), id); err != nil {
		return 0, fmt.Errorf("failed to update purchase status: %w", err)
	}

	granted := 0
	if status == PurchaseSucceeded {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET credits_remaining = credits_remaining + ?, updated_at = ?
			WHERE id = ?
		`, credits, time.Now(), userID); err != nil {
			return 0, fmt.Errorf("failed to credit user: %w", err)
		}
		granted = credits
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit settle transaction: %w", err)
	}
	return granted, nil
}
