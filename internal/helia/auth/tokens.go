package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token purposes embedded in the JWT claims so an access token can never be
// replayed as a reset token and vice versa.
const (
	PurposeAccess = "access"
	PurposeReset  = "password_reset"
)

var (
	// ErrInvalidToken covers malformed, mis-signed, expired and
	// wrong-purpose tokens. Callers get no further detail.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Default lifetimes. Refresh tokens are opaque and persisted server-side;
// the JWTs are stateless except for the reset jti replay guard.
const (
	DefaultAccessTTL  = 60 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
	DefaultResetTTL   = 30 * time.Minute
)

// Claims are the JWT claims Helia issues.
type Claims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies the API's credentials.
type Tokens struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	resetTTL   time.Duration
}

// NewTokens creates a Tokens helper. Zero TTLs take the defaults.
func NewTokens(secret string, accessTTL, refreshTTL, resetTTL time.Duration) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("auth: token secret must not be empty")
	}
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	if resetTTL <= 0 {
		resetTTL = DefaultResetTTL
	}
	return &Tokens{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		resetTTL:   resetTTL,
	}, nil
}

// RefreshTTL reports how long issued refresh tokens live. The store needs
// it to persist the matching expiry.
func (t *Tokens) RefreshTTL() time.Duration {
	return t.refreshTTL
}

// IssueAccess returns a signed access JWT for the user.
func (t *Tokens) IssueAccess(userID string) (string, error) {
	return t.sign(userID, PurposeAccess, t.accessTTL)
}

// IssueReset returns a signed single-use password-reset JWT. The jti claim
// lets the store reject replays after the first redemption.
func (t *Tokens) IssueReset(userID string) (string, error) {
	return t.sign(userID, PurposeReset, t.resetTTL)
}

// IssueRefresh returns an opaque random refresh token and its expiry. The
// caller persists it; verification is a store lookup, not a signature check.
func (t *Tokens) IssueRefresh() (string, time.Time, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("auth: generate refresh token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), time.Now().Add(t.refreshTTL), nil
}

func (t *Tokens) sign(userID, purpose string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a JWT, requiring the given purpose. It
// returns the claims on success and ErrInvalidToken on any failure.
func (t *Tokens) Verify(token, purpose string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Purpose != purpose || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
