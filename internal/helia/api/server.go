// Package api is the HTTP surface of the Helia backend: auth, chat with
// server-sent-event streaming, billing, payment webhooks and attachment
// uploads, all mounted on a single ServeMux.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/heliachat/helia/common/version"
	"github.com/heliachat/helia/internal/helia/auth"
	"github.com/heliachat/helia/internal/helia/blob"
	"github.com/heliachat/helia/internal/helia/chat"
	"github.com/heliachat/helia/internal/helia/mailer"
	"github.com/heliachat/helia/internal/helia/memory"
	"github.com/heliachat/helia/internal/helia/store"
)

// Options wires the server's collaborators.
type Options struct {
	Addr          string
	Store         *store.Store
	Cache         *memory.Cache
	Orchestrator  *chat.Orchestrator
	Tokens        *auth.Tokens
	Mailer        mailer.Mailer
	Blobs         *blob.DiskStore
	Payments      PaymentClient
	WebhookSecret string
	RateLimit     int
	RateWindow    time.Duration
	Logger        *slog.Logger
}

// Server owns the mux and the HTTP listener.
type Server struct {
	addr          string
	mux           *http.ServeMux
	server        *http.Server
	logger        *slog.Logger
	startedAt     time.Time
	store         *store.Store
	cache         *memory.Cache
	orch          *chat.Orchestrator
	tokens        *auth.Tokens
	mailer        mailer.Mailer
	blobs         *blob.DiskStore
	payments      PaymentClient
	webhookSecret string
	limiter       *rateLimiter
	accessPurpose string
}

// New creates and configures the server (does not start it).
func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Orchestrator == nil || opts.Tokens == nil {
		return nil, fmt.Errorf("api: store, orchestrator and tokens are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.Mailer == nil {
		opts.Mailer = &mailer.LogMailer{Logger: opts.Logger}
	}

	s := &Server{
		addr:          opts.Addr,
		mux:           http.NewServeMux(),
		logger:        opts.Logger,
		startedAt:     time.Now(),
		store:         opts.Store,
		cache:         opts.Cache,
		orch:          opts.Orchestrator,
		tokens:        opts.Tokens,
		mailer:        opts.Mailer,
		blobs:         opts.Blobs,
		payments:      opts.Payments,
		webhookSecret: opts.WebhookSecret,
		limiter:       newRateLimiter(opts.RateLimit, opts.RateWindow),
		accessPurpose: auth.PurposeAccess,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)

	// Auth.
	s.mux.HandleFunc("POST /api/auth/register", s.limited(s.handleRegister))
	s.mux.HandleFunc("POST /api/auth/verify-email", s.limited(s.handleVerifyEmail))
	s.mux.HandleFunc("POST /api/auth/token", s.limited(s.handleLogin))
	s.mux.HandleFunc("POST /api/auth/token/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/auth/me", s.requireAuth(s.handleMe))
	s.mux.HandleFunc("PATCH /api/auth/password", s.requireAuth(s.handleChangePassword))
	s.mux.HandleFunc("POST /api/auth/password-reset/request", s.limited(s.handleResetRequest))
	s.mux.HandleFunc("POST /api/auth/password-reset/verify", s.limited(s.handleResetVerify))
	s.mux.HandleFunc("POST /api/auth/email/request", s.requireAuth(s.handleEmailChangeRequest))
	s.mux.HandleFunc("POST /api/auth/email/verify", s.requireAuth(s.handleEmailChangeVerify))

	// Chat.
	s.mux.HandleFunc("POST /api/chat/send", s.requireAuth(s.handleChatSend))
	s.mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	s.mux.HandleFunc("POST /api/sessions", s.requireAuth(s.handleCreateSession))
	s.mux.HandleFunc("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))
	s.mux.HandleFunc("PUT /api/sessions/{id}", s.requireAuth(s.handleRenameSession))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleDeleteSession))
	s.mux.HandleFunc("GET /api/history/{id}", s.requireAuth(s.handleHistory))
	s.mux.HandleFunc("GET /api/users/me", s.requireAuth(s.handleGetProfile))
	s.mux.HandleFunc("PUT /api/users/me", s.requireAuth(s.handleUpdateProfile))

	// Billing.
	s.mux.HandleFunc("GET /api/billing/plans", s.handlePlans)
	s.mux.HandleFunc("GET /api/billing/credits", s.requireAuth(s.handleCredits))
	s.mux.HandleFunc("POST /api/billing/create-checkout", s.requireAuth(s.handleCreateCheckout))
	s.mux.HandleFunc("GET /api/billing/purchases", s.requireAuth(s.handlePurchases))

	// Payments webhook.
	s.mux.HandleFunc("POST /api/webhooks/payments", s.handlePaymentWebhook)

	// Attachments.
	s.mux.HandleFunc("POST /api/uploads/image", s.requireAuth(s.handleUpload))
	s.mux.HandleFunc("GET /api/uploads/", s.handleServeUpload)
}

// ServeHTTP implements http.Handler so the full stack can be exercised with
// httptest without a live listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withTrace(s.mux).ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:           s.withTrace(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	s.logger.Info("api server listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status      string    `json:"status"`
	Version     string    `json:"version"`
	Commit      string    `json:"commit"`
	BuildTime   string    `json:"build_time"`
	StartedAt   time.Time `json:"started_at"`
	UptimeSecs  float64   `json:"uptime_seconds"`
	CachedChats int       `json:"cached_conversations"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cached := 0
	if s.cache != nil {
		cached = s.cache.Len()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:      "ok",
		Version:     version.Version,
		Commit:      version.GitCommit,
		BuildTime:   version.BuildTime,
		StartedAt:   s.startedAt,
		UptimeSecs:  time.Since(s.startedAt).Seconds(),
		CachedChats: cached,
	})
}
