package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/heliachat/helia/internal/helia/auth"
	"github.com/heliachat/helia/internal/helia/store"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, "valid email required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.store.GetUserByEmail(r.Context(), email, false)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.internalError(w, r, "lookup user", err)
		return
	}
	if existing != nil && existing.IsVerified {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}

	user := existing
	if user != nil {
		// Unverified account registering again. The latest submitted
		// password wins; the old hash was never usable for login.
		if err := s.store.UpdateUserPassword(r.Context(), user.ID, hash); err != nil {
			s.internalError(w, r, "update password", err)
			return
		}
	}
	if user == nil {
		user = &store.User{
			ID:           uuid.New().String(),
			Email:        email,
			PasswordHash: hash,
		}
		if req.Name != "" {
			user.Name.String, user.Name.Valid = req.Name, true
		}
		if err := s.store.CreateUser(r.Context(), user); err != nil {
			s.internalError(w, r, "create user", err)
			return
		}
	}

	if err := s.sendVerificationOTP(r, user.ID, email); err != nil {
		s.internalError(w, r, "send verification", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "verification code sent",
	})
}

func (s *Server) sendVerificationOTP(r *http.Request, userID, email string) error {
	code, err := auth.GenerateOTP()
	if err != nil {
		return err
	}
	if err := s.store.ExpireVerificationRequests(r.Context(), userID); err != nil {
		return err
	}
	if _, err := s.store.CreateEmailVerificationRequest(
		r.Context(), userID, email, auth.HashOTP(code), time.Now().Add(auth.OTPTTL)); err != nil {
		return err
	}
	return s.mailer.SendOTP(r.Context(), email, code)
}

type verifyEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := s.store.GetUserByEmail(r.Context(), email, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid code")
		return
	}
	pending, err := s.store.LatestPendingVerification(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid code")
		return
	}
	if time.Now().After(pending.ExpiresAt) || !auth.CheckOTP(pending.OTPHash, req.Code) {
		writeError(w, http.StatusBadRequest, "invalid code")
		return
	}
	if err := s.store.MarkVerificationVerified(r.Context(), pending.ID, user.ID); err != nil {
		s.internalError(w, r, "mark verified", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "email verified"})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := s.store.GetUserByEmail(r.Context(), email, true)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.issueTokenPair(w, r, user.ID)
}

func (s *Server) issueTokenPair(w http.ResponseWriter, r *http.Request, userID string) {
	access, err := s.tokens.IssueAccess(userID)
	if err != nil {
		s.internalError(w, r, "issue access token", err)
		return
	}
	refresh, expiresAt, err := s.tokens.IssueRefresh()
	if err != nil {
		s.internalError(w, r, "issue refresh token", err)
		return
	}
	if err := s.store.StoreRefreshToken(r.Context(), userID, refresh, expiresAt); err != nil {
		s.internalError(w, r, "store refresh token", err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rt, err := s.store.GetRefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	if time.Now().After(rt.ExpiresAt) {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	// Rotation: the presented token is revoked before a new pair is issued,
	// so each refresh token works exactly once.
	if err := s.store.RevokeRefreshToken(r.Context(), req.RefreshToken); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	s.issueTokenPair(w, r, rt.UserID)
}

type userResponse struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Name             string `json:"name,omitempty"`
	CreditsRemaining int    `json:"credits_remaining"`
	IsVerified       bool   `json:"is_verified"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())
	writeJSON(w, http.StatusOK, userResponse{
		ID:               u.ID,
		Email:            u.Email,
		Name:             u.Name.String,
		CreditsRemaining: u.CreditsRemaining,
		IsVerified:       u.IsVerified,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())

	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := auth.CheckPassword(u.PasswordHash, req.CurrentPassword); err != nil {
		writeError(w, http.StatusUnauthorized, "wrong password")
		return
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateUserPassword(r.Context(), u.ID, hash); err != nil {
		s.internalError(w, r, "update password", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

type resetRequestRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	// The response is identical whether or not the account exists.
	if user, err := s.store.GetUserByEmail(r.Context(), email, true); err == nil {
		token, err := s.tokens.IssueReset(user.ID)
		if err == nil {
			if err := s.mailer.SendResetLink(r.Context(), email, token); err != nil {
				s.logger.Error("send reset link failed", "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "if the account exists, a reset link has been sent",
	})
}

type resetVerifyRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleResetVerify(w http.ResponseWriter, r *http.Request) {
	var req resetVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims, err := s.tokens.Verify(req.Token, auth.PurposeReset)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	used, err := s.store.IsResetTokenUsed(r.Context(), claims.ID)
	if err != nil {
		s.internalError(w, r, "check reset token", err)
		return
	}
	if used {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateUserPassword(r.Context(), claims.Subject, hash); err != nil {
		s.internalError(w, r, "update password", err)
		return
	}
	if err := s.store.MarkResetTokenUsed(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		s.internalError(w, r, "mark reset token used", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

type emailChangeRequest struct {
	NewEmail string `json:"new_email"`
	Password string `json:"password"`
}

func (s *Server) handleEmailChangeRequest(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())

	var req emailChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	newEmail := strings.ToLower(strings.TrimSpace(req.NewEmail))
	if newEmail == "" || !strings.Contains(newEmail, "@") {
		writeError(w, http.StatusBadRequest, "valid email required")
		return
	}
	if err := auth.CheckPassword(u.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "wrong password")
		return
	}
	if _, err := s.store.GetUserByEmail(r.Context(), newEmail, false); err == nil {
		writeError(w, http.StatusConflict, "email already in use")
		return
	}

	code, err := auth.GenerateOTP()
	if err != nil {
		s.internalError(w, r, "generate otp", err)
		return
	}
	expiresAt := time.Now().Add(auth.OTPTTL)
	// An address with a pending change request keeps its row; the code and
	// expiry are refreshed instead of inserting a duplicate.
	if pending, err := s.store.PendingEmailChangeByEmail(r.Context(), newEmail); err == nil {
		if err := s.store.UpdateEmailChangeRequest(r.Context(), pending.ID, auth.HashOTP(code), expiresAt); err != nil {
			s.internalError(w, r, "refresh email change request", err)
			return
		}
	} else if _, err := s.store.CreateEmailChangeRequest(r.Context(), u.ID, newEmail, auth.HashOTP(code), expiresAt); err != nil {
		s.internalError(w, r, "create email change request", err)
		return
	}
	if err := s.mailer.SendOTP(r.Context(), newEmail, code); err != nil {
		s.internalError(w, r, "send otp", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "verification code sent"})
}

type emailVerifyRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleEmailChangeVerify(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())

	var req emailVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pending, err := s.store.LatestPendingEmailChange(r.Context(), u.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid code")
		return
	}
	if time.Now().After(pending.ExpiresAt) || !auth.CheckOTP(pending.OTPHash, req.Code) {
		writeError(w, http.StatusBadRequest, "invalid code")
		return
	}
	if err := s.store.MarkEmailChangeVerified(r.Context(), pending); err != nil {
		s.internalError(w, r, "apply email change", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "email updated"})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
