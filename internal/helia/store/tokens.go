package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RefreshToken is a long-lived, revocable credential used to mint new
// access tokens. Tokens are rotated on every refresh.
type RefreshToken struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	Revoked   bool
	IssuedAt  time.Time
}

// StoreRefreshToken persists a freshly issued refresh token.
func (s *Store) StoreRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token, expires_at, revoked, issued_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, uuid.New().String(), userID, token, expiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken retrieves a non-revoked refresh token by value.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	rt := &RefreshToken{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token, expires_at, revoked, issued_at
		FROM refresh_tokens
		WHERE token = ? AND revoked = 0
	`, token).Scan(&rt.ID, &rt.UserID, &rt.Token, &rt.ExpiresAt, &rt.Revoked, &rt.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return rt, nil
}

// RevokeRefreshToken marks the token revoked. Returns ErrNotFound when the
// token does not exist or was already revoked, so rotation can detect reuse.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1 WHERE token = ? AND revoked = 0`, token)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return requireRow(res)
}

// IsResetTokenUsed reports whether a password-reset token's jti has been
// redeemed before.
func (s *Store) IsResetTokenUsed(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM used_pw_reset_tokens WHERE jti = ?`, jti).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check reset token: %w", err)
	}
	return true, nil
}

// MarkResetTokenUsed records a redeemed password-reset jti until its
// natural expiry (after which replay is impossible anyway).
func (s *Store) MarkResetTokenUsed(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO used_pw_reset_tokens (jti, expires_at) VALUES (?, ?)`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to mark reset token used: %w", err)
	}
	return nil
}

// OTPRequest is a pending email-verification or email-change request. The
// OTP itself is stored only as a bcrypt hash.
type OTPRequest struct {
	ID        string
	UserID    string
	Email     string // for change requests this is the new address
	OTPHash   string
	ExpiresAt time.Time
	Verified  bool
}

// CreateEmailVerificationRequest records a fresh signup-verification OTP.
func (s *Store) CreateEmailVerificationRequest(ctx context.Context, userID, email, otpHash string, expiresAt time.Time) (*OTPRequest, error) {
	req := &OTPRequest{
		ID:        uuid.New().String(),
		UserID:    userID,
		Email:     email,
		OTPHash:   otpHash,
		ExpiresAt: expiresAt,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_verification_requests (id, user_id, email, otp_hash, expires_at, verified)
		VALUES (?, ?, ?, ?, ?, 0)
	`, req.ID, req.UserID, req.Email, req.OTPHash, req.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification request: %w", err)
	}
	return req, nil
}

// LatestPendingVerification returns the user's most recent unverified
// signup-verification request.
func (s *Store) LatestPendingVerification(ctx context.Context, userID string) (*OTPRequest, error) {
	return s.latestPending(ctx, "email_verification_requests", "email", userID)
}

// ExpireVerificationRequests invalidates any pending verification requests
// for the user, so only the freshest OTP can succeed.
func (s *Store) ExpireVerificationRequests(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_verification_requests SET expires_at = ?
		WHERE user_id = ? AND verified = 0
	`, time.Now().Add(-time.Second), userID)
	if err != nil {
		return fmt.Errorf("failed to expire verification requests: %w", err)
	}
	return nil
}

// MarkVerificationVerified completes a signup verification: the request is
// marked verified and the account is activated.
func (s *Store) MarkVerificationVerified(ctx context.Context, requestID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_verification_requests SET verified = 1 WHERE id = ?`, requestID)
	if err != nil {
		return fmt.Errorf("failed to mark verification verified: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return s.MarkUserVerified(ctx, userID)
}

// CreateEmailChangeRequest records an email-change OTP for the new address.
// The new address is unique across pending requests (schema constraint), so
// two users cannot race for the same email.
func (s *Store) CreateEmailChangeRequest(ctx context.Context, userID, newEmail, otpHash string, expiresAt time.Time) (*OTPRequest, error) {
	req := &OTPRequest{
		ID:        uuid.New().String(),
		UserID:    userID,
		Email:     newEmail,
		OTPHash:   otpHash,
		ExpiresAt: expiresAt,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_change_requests (id, user_id, new_email, otp_hash, expires_at, verified)
		VALUES (?, ?, ?, ?, ?, 0)
	`, req.ID, req.UserID, req.Email, req.OTPHash, req.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create email change request: %w", err)
	}
	return req, nil
}

// UpdateEmailChangeRequest refreshes the OTP and expiry of an existing
// pending change request (re-request by the same user).
func (s *Store) UpdateEmailChangeRequest(ctx context.Context, requestID, otpHash string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_change_requests SET otp_hash = ?, expires_at = ? WHERE id = ? AND verified = 0
	`, otpHash, expiresAt, requestID)
	if err != nil {
		return fmt.Errorf("failed to update email change request: %w", err)
	}
	return requireRow(res)
}

// PendingEmailChangeByEmail returns the unexpired pending change request
// claiming the given new address, if any.
func (s *Store) PendingEmailChangeByEmail(ctx context.Context, newEmail string) (*OTPRequest, error) {
	req := &OTPRequest{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, new_email, otp_hash, expires_at, verified
		FROM email_change_requests
		WHERE new_email = ? AND verified = 0 AND expires_at > ?
	`, newEmail, time.Now()).Scan(&req.ID, &req.UserID, &req.Email, &req.OTPHash, &req.ExpiresAt, &req.Verified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending email change: %w", err)
	}
	return req, nil
}

// LatestPendingEmailChange returns the user's most recent unverified
// email-change request.
func (s *Store) LatestPendingEmailChange(ctx context.Context, userID string) (*OTPRequest, error) {
	return s.latestPending(ctx, "email_change_requests", "new_email", userID)
}

// MarkEmailChangeVerified completes an email change: the request is marked
// verified and the account email is swapped to the new address.
func (s *Store) MarkEmailChangeVerified(ctx context.Context, req *OTPRequest) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_change_requests SET verified = 1 WHERE id = ?`, req.ID)
	if err != nil {
		return fmt.Errorf("failed to mark email change verified: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return s.UpdateUserEmail(ctx, req.UserID, req.Email)
}

// latestPending fetches the newest unverified OTP request from either OTP
// table; emailColumn names the address column ("email" or "new_email").
func (s *Store) latestPending(ctx context.Context, table, emailColumn, userID string) (*OTPRequest, error) {
	req := &OTPRequest{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, `+emailColumn+`, otp_hash, expires_at, verified
		FROM `+table+`
		WHERE user_id = ? AND verified = 0
		ORDER BY expires_at DESC
		LIMIT 1
	`, userID).Scan(&req.ID, &req.UserID, &req.Email, &req.OTPHash, &req.ExpiresAt, &req.Verified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending request: %w", err)
	}
	return req, nil
}

// PruneExpired removes expired OTP requests, expired or revoked refresh
// tokens, and stale reset-jti records. Intended for a periodic job.
func (s *Store) PruneExpired(ctx context.Context) error {
	now := time.Now()
	statements := []string{
		`DELETE FROM email_verification_requests WHERE expires_at < ? AND verified = 0`,
		`DELETE FROM email_change_requests WHERE expires_at < ? AND verified = 0`,
		`DELETE FROM refresh_tokens WHERE expires_at < ? OR revoked = 1`,
		`DELETE FROM used_pw_reset_tokens WHERE expires_at < ?`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt, now); err != nil {
			return fmt.Errorf("failed to prune expired rows: %w", err)
		}
	}
	return nil
}
