package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// OTPTTL is how long an emailed one-time code stays redeemable.
const OTPTTL = 10 * time.Minute

const otpDigits = 6

// GenerateOTP returns a random 6-digit code, zero-padded.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("auth: generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, n), nil
}

// HashOTP returns the hex SHA-256 digest stored in place of the code.
func HashOTP(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// CheckOTP compares a submitted code against a stored hash in constant
// time.
func CheckOTP(hash, code string) bool {
	return hmac.Equal([]byte(hash), []byte(HashOTP(code)))
}
