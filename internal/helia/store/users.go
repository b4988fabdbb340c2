package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User represents a registered account. PasswordHash is a bcrypt hash;
// profile fields are all optional.
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	Name              sql.NullString
	Age               sql.NullString
	Occupation        sql.NullString
	TonePreference    sql.NullString
	TechFamiliarity   sql.NullString
	ParentType        sql.NullString
	TimeWithKids      sql.NullString
	Children          sql.NullString
	IsActive          bool
	IsVerified        bool
	CreditsRemaining  int
	PaymentCustomerID sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const userColumns = `id, email, password_hash, name, age, occupation, tone_preference,
	tech_familiarity, parent_type, time_with_kids, children, is_active, is_verified,
	credits_remaining, payment_customer_id, created_at, updated_at`

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Age, &u.Occupation,
		&u.TonePreference, &u.TechFamiliarity, &u.ParentType, &u.TimeWithKids,
		&u.Children, &u.IsActive, &u.IsVerified, &u.CreditsRemaining,
		&u.PaymentCustomerID, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

// CreateUser inserts a new user. Initial credit balance comes from the
// schema default unless user.CreditsRemaining is set.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	if user.CreditsRemaining == 0 {
		user.CreditsRemaining = 100
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, name, age, occupation, tone_preference,
			tech_familiarity, parent_type, time_with_kids, children, is_active, is_verified,
			credits_remaining, payment_customer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, user.ID, user.Email, user.PasswordHash, user.Name, user.Age, user.Occupation,
		user.TonePreference, user.TechFamiliarity, user.ParentType, user.TimeWithKids,
		user.Children, user.IsActive, user.IsVerified, user.CreditsRemaining,
		user.PaymentCustomerID, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByEmail retrieves a user by email. When verifiedOnly is true,
// unverified accounts are treated as absent.
func (s *Store) GetUserByEmail(ctx context.Context, email string, verifiedOnly bool) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = ?`
	if verifiedOnly {
		query += ` AND is_verified = 1` // idx_users_email_verified
	}
	return scanUser(s.db.QueryRowContext(ctx, query, email))
}

// UpdateUserProfile overwrites the user's optional profile fields.
func (s *Store) UpdateUserProfile(ctx context.Context, id string, u *User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET name = ?, age = ?, occupation = ?, tone_preference = ?,
			tech_familiarity = ?, parent_type = ?, time_with_kids = ?, children = ?,
			updated_at = ?
		WHERE id = ?
	`, u.Name, u.Age, u.Occupation, u.TonePreference, u.TechFamiliarity,
		u.ParentType, u.TimeWithKids, u.Children, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	return requireRow(res)
}

// UpdateUserPassword replaces the stored password hash.
func (s *Store) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return requireRow(res)
}

// UpdateUserEmail replaces the account email (after OTP verification).
func (s *Store) UpdateUserEmail(ctx context.Context, id, email string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = ?, updated_at = ? WHERE id = ?`,
		email, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update email: %w", err)
	}
	return requireRow(res)
}

// MarkUserVerified flips the account to verified and active.
func (s *Store) MarkUserVerified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_verified = 1, is_active = 1, updated_at = ? WHERE id = ?`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark user verified: %w", err)
	}
	return requireRow(res)
}

// SetPaymentCustomerID records the payment provider's customer handle.
func (s *Store) SetPaymentCustomerID(ctx context.Context, id, customerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET payment_customer_id = ?, updated_at = ? WHERE id = ?`,
		customerID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set payment customer id: %w", err)
	}
	return requireRow(res)
}

// GetUserCredits returns the user's current credit balance.
func (s *Store) GetUserCredits(ctx context.Context, id string) (int, error) {
	var credits int
	err := s.db.QueryRowContext(ctx,
		`SELECT credits_remaining FROM users WHERE id = ?`, id).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get credits: %w", err)
	}
	return credits, nil
}

// DebitCredit decrements the user's balance by exactly one, atomically and
// only while the balance is strictly positive. Concurrent turns for the
// same user therefore cannot double-spend the last credit. Returns
// ErrInsufficientCredit when the balance was already zero.
func (s *Store) DebitCredit(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET credits_remaining = credits_remaining - 1, updated_at = ?
		WHERE id = ? AND credits_remaining > 0
	`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to debit credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check debit result: %w", err)
	}
	if n == 0 {
		// Either the user does not exist or the balance is depleted;
		// distinguish for the caller.
		if _, err := s.GetUser(ctx, id); err != nil {
			return err
		}
		return ErrInsufficientCredit
	}
	return nil
}

// AddCredits increments the user's balance (payment reconciliation).
func (s *Store) AddCredits(ctx context.Context, id string, credits int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET credits_remaining = credits_remaining + ?, updated_at = ?
		WHERE id = ?
	`, credits, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	return requireRow(res)
}

// requireRow converts a zero-rows-affected update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
