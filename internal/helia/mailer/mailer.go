// Package mailer abstracts outbound email for verification codes and
// password resets. Only the logging dev implementation ships here; a real
// delivery backend plugs in behind the same interface.
package mailer

import (
	"context"
	"log/slog"
)

// Mailer delivers account emails.
type Mailer interface {
	// SendOTP emails a one-time verification code.
	SendOTP(ctx context.Context, to, code string) error
	// SendResetLink emails a password-reset link containing token.
	SendResetLink(ctx context.Context, to, token string) error
}

// LogMailer writes emails to the log instead of sending them. For local
// development and tests.
type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *LogMailer) SendOTP(_ context.Context, to, code string) error {
	m.logger().Info("dev mailer: otp", "to", to, "code", code)
	return nil
}

func (m *LogMailer) SendResetLink(_ context.Context, to, token string) error {
	m.logger().Info("dev mailer: password reset", "to", to, "token", token)
	return nil
}
