package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/heliachat/helia/internal/helia/api"
	"github.com/heliachat/helia/internal/helia/auth"
	"github.com/heliachat/helia/internal/helia/chat"
	"github.com/heliachat/helia/internal/helia/memory"
	"github.com/heliachat/helia/internal/helia/relay"
	"github.com/heliachat/helia/internal/helia/store"
)

const testWebhookSecret = "test-webhook-secret"

// captureMailer records codes instead of sending mail.
type captureMailer struct {
	mu    sync.Mutex
	codes []string
}

func (m *captureMailer) SendOTP(_ context.Context, _, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, code)
	return nil
}

func (m *captureMailer) SendResetLink(_ context.Context, _, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, token)
	return nil
}

func (m *captureMailer) last(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.codes) == 0 {
		t.Fatal("no mail captured")
	}
	return m.codes[len(m.codes)-1]
}

// scriptedStream and scriptedProvider drive the relay without a network.
type scriptedStream struct {
	frags    []string
	finalErr error
}

func (s *scriptedStream) Recv() (string, error) {
	if len(s.frags) == 0 {
		return "", s.finalErr
	}
	frag := s.frags[0]
	s.frags = s.frags[1:]
	return frag, nil
}

func (s *scriptedStream) Close() error { return nil }

type scriptedProvider struct {
	frags []string
	err   error
}

func (p *scriptedProvider) StreamCompletion(context.Context, relay.Prompt) (relay.Stream, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &scriptedStream{frags: append([]string(nil), p.frags...), finalErr: io.EOF}, nil
}

type testEnv struct {
	server *api.Server
	store  *store.Store
	tokens *auth.Tokens
	mailer *captureMailer
}

func newTestEnv(t *testing.T, provider relay.Provider) *testEnv {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "helia-api-*.db")
	if err != nil {
		t.Fatalf("temp db: %v", err)
	}
	f.Close()
	st, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	personas, err := relay.LoadPersonas()
	if err != nil {
		t.Fatalf("LoadPersonas: %v", err)
	}
	if provider == nil {
		provider = &scriptedProvider{frags: []string{"Hello", " world"}}
	}
	cache := memory.NewCache(memory.Config{Capacity: 8, MaxMessages: 10})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := chat.New(st, cache, relay.New(personas, provider), nil, logger)

	tokens, err := auth.NewTokens("api-test-secret", 0, 0, 0)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	mail := &captureMailer{}

	srv, err := api.New(api.Options{
		Store:         st,
		Cache:         cache,
		Orchestrator:  orch,
		Tokens:        tokens,
		Mailer:        mail,
		WebhookSecret: testWebhookSecret,
		RateLimit:     1000,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}

	return &testEnv{server: srv, store: st, tokens: tokens, mailer: mail}
}

func (e *testEnv) createUser(t *testing.T, credits int) (*store.User, string) {
	t.Helper()
	hash, err := auth.HashPassword("password-123")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := &store.User{
		ID:               uuid.New().String(),
		Email:            uuid.New().String() + "@example.com",
		PasswordHash:     hash,
		IsActive:         true,
		IsVerified:       true,
		CreditsRemaining: credits,
	}
	if err := e.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, err := e.tokens.IssueAccess(u.ID)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	return u, token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: got %d", rec.Code)
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("health.status: got %q", health.Status)
	}

	if rec := env.do(t, http.MethodGet, "/status", "", nil); rec.Code != http.StatusOK {
		t.Errorf("status endpoint: got %d", rec.Code)
	}
}

func TestRegisterVerifyLoginFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":    "new@example.com",
		"password": "password-123",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: got %d: %s", rec.Code, rec.Body.String())
	}

	// Login is refused until the email is verified.
	rec = env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{
		"email":    "new@example.com",
		"password": "password-123",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("pre-verification login: got %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/verify-email", "", map[string]string{
		"email": "new@example.com",
		"code":  env.mailer.last(t),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify-email: got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{
		"email":    "new@example.com",
		"password": "password-123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: got %d: %s", rec.Code, rec.Body.String())
	}
	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("empty token pair")
	}

	rec = env.do(t, http.MethodGet, "/api/auth/me", tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: got %d", rec.Code)
	}

	// Refresh rotation: the old refresh token must stop working after use.
	rec = env.do(t, http.MethodPost, "/api/auth/token/refresh", "", map[string]string{
		"refresh_token": tokens.RefreshToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/auth/token/refresh", "", map[string]string{
		"refresh_token": tokens.RefreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh token: got %d, want 401", rec.Code)
	}
}

func TestRegisterAgainUpdatesPassword(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":    "retry@example.com",
		"password": "first-password",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: got %d: %s", rec.Code, rec.Body.String())
	}

	// Re-register before verifying; the new password replaces the old one.
	rec = env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":    "retry@example.com",
		"password": "second-password",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("re-register: got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/auth/verify-email", "", map[string]string{
		"email": "retry@example.com",
		"code":  env.mailer.last(t),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify-email: got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{
		"email":    "retry@example.com",
		"password": "first-password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("login with replaced password: got %d, want 401", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{
		"email":    "retry@example.com",
		"password": "second-password",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login with latest password: got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChatSendStreamsSSE(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{frags: []string{"Hi", " there"}})
	_, token := env.createUser(t, 5)

	rec := env.do(t, http.MethodPost, "/api/chat/send", token, map[string]string{
		"chat_id": "chat-1",
		"message": "hello",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat send: got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type: got %q", ct)
	}

	body := rec.Body.String()
	want := "data: Hi\n\ndata:  there\n\nevent: end\ndata: END\n\n"
	if body != want {
		t.Errorf("stream body:\ngot  %q\nwant %q", body, want)
	}
}

func TestChatSendWithoutCredits(t *testing.T) {
	env := newTestEnv(t, nil)
	u, token := env.createUser(t, 5)

	// Exhaust the balance directly.
	for i := 0; i < 5; i++ {
		if err := env.store.DebitCredit(context.Background(), u.ID); err != nil {
			t.Fatalf("DebitCredit: %v", err)
		}
	}

	rec := env.do(t, http.MethodPost, "/api/chat/send", token, map[string]string{
		"chat_id": "chat-1",
		"message": "hello",
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("chat send: got %d, want 402", rec.Code)
	}
}

func TestChatSendForeignSession(t *testing.T) {
	env := newTestEnv(t, nil)
	owner, _ := env.createUser(t, 5)
	_, intruderToken := env.createUser(t, 5)

	if _, err := env.store.GetOrCreateSession(context.Background(), owner.ID, "owned-chat", ""); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/chat/send", intruderToken, map[string]string{
		"chat_id": "owned-chat",
		"message": "hello",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("chat send: got %d, want 403", rec.Code)
	}
}

func TestRequireAuthRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(t, http.MethodGet, "/api/auth/me", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: got %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/auth/me", "not-a-jwt", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: got %d, want 401", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	u, token := env.createUser(t, 5)

	if _, err := env.store.GetOrCreateSession(context.Background(), u.ID, "chat-1", "First chat"); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if _, err := env.store.AddMessage(context.Background(), "chat-1", "user", "hello", ""); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/sessions", token, map[string]string{"name": "Second chat"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: got %d", rec.Code)
	}
	var created struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created session: %v", err)
	}
	if created.ID == "" || created.Name != "Second chat" {
		t.Fatalf("created session: got %+v", created)
	}

	rec = env.do(t, http.MethodGet, "/api/sessions", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list sessions: got %d", rec.Code)
	}
	var sessions []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions: got %+v", sessions)
	}

	rec = env.do(t, http.MethodPut, "/api/sessions/chat-1", token, map[string]string{"name": "Renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/history/chat-1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/sessions/chat-1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/sessions/chat-1", token, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: got %d, want 404", rec.Code)
	}

	// Another user's session is invisible, even for reads.
	_, otherToken := env.createUser(t, 5)
	if _, err := env.store.GetOrCreateSession(context.Background(), u.ID, "chat-2", ""); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if rec := env.do(t, http.MethodGet, "/api/sessions/chat-2", otherToken, nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign session read: got %d, want 404", rec.Code)
	}
}

func TestBillingPlansAndCredits(t *testing.T) {
	env := newTestEnv(t, nil)
	_, token := env.createUser(t, 42)

	rec := env.do(t, http.MethodGet, "/api/billing/plans", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("plans: got %d", rec.Code)
	}
	var plans []struct {
		ID      string `json:"id"`
		Credits int    `json:"credits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &plans); err != nil {
		t.Fatalf("decode plans: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("plans: got %d, want 2", len(plans))
	}

	rec = env.do(t, http.MethodGet, "/api/billing/credits", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("credits: got %d", rec.Code)
	}
	var credits map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &credits); err != nil {
		t.Fatalf("decode credits: %v", err)
	}
	if credits["credits_remaining"] != 42 {
		t.Errorf("credits_remaining: got %d, want 42", credits["credits_remaining"])
	}
}

func TestCreateCheckoutRecordsPendingPurchase(t *testing.T) {
	env := newTestEnv(t, nil)
	u, token := env.createUser(t, 0)

	// Stand-in payment provider API.
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payments" || r.Method != http.MethodPost {
			t.Errorf("provider got %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer provider-key" {
			t.Errorf("provider auth header: got %q", got)
		}
		var body struct {
			ProductCart []struct {
				ProductID string `json:"product_id"`
			} `json:"product_cart"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode provider request: %v", err)
		}
		if len(body.ProductCart) != 1 || body.ProductCart[0].ProductID != "pdt_helia_credits_100" {
			t.Errorf("product cart: got %+v", body.ProductCart)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"payment_id":   "pay_test_1",
			"payment_link": "https://checkout.test/pay_test_1",
			"total_amount": 500,
			"currency":     "USD",
		}); err != nil {
			t.Errorf("encode provider response: %v", err)
		}
	}))
	defer provider.Close()

	srv, err := api.New(api.Options{
		Store:        env.store,
		Orchestrator: mustOrchestrator(t, env.store),
		Tokens:       env.tokens,
		Mailer:       env.mailer,
		Payments: api.NewPaymentClient(api.PaymentConfig{
			APIKey:  "provider-key",
			BaseURL: provider.URL,
		}),
		WebhookSecret: testWebhookSecret,
		RateLimit:     1000,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}

	raw, _ := json.Marshal(map[string]string{"product_id": "pdt_helia_credits_100"})
	req := httptest.NewRequest(http.MethodPost, "/api/billing/create-checkout", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create-checkout: got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		PaymentLink string `json:"payment_link"`
		PaymentID   string `json:"payment_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode checkout: %v", err)
	}
	if out.PaymentID != "pay_test_1" || out.PaymentLink == "" {
		t.Fatalf("checkout response: got %+v", out)
	}

	purchases, err := env.store.ListPurchases(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("ListPurchases: %v", err)
	}
	if len(purchases) != 1 || purchases[0].Status != store.PurchasePending ||
		purchases[0].PaymentID != "pay_test_1" || purchases[0].Credits != 100 {
		t.Fatalf("purchases: got %+v", purchases)
	}
}

func TestRateLimiting(t *testing.T) {
	env := newTestEnv(t, nil)

	// Rebuild with a tight limit for this test.
	srv, err := api.New(api.Options{
		Store:         env.store,
		Orchestrator:  mustOrchestrator(t, env.store),
		Tokens:        env.tokens,
		Mailer:        env.mailer,
		WebhookSecret: testWebhookSecret,
		RateLimit:     2,
		RateWindow:    time.Minute,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}

	body := map[string]string{"email": "nobody@example.com", "password": "password-123"}
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/api/auth/token", bytes.NewReader(raw))
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request: got %d, want 429 (codes: %v)", codes[2], codes)
	}
	if codes[0] == http.StatusTooManyRequests || codes[1] == http.StatusTooManyRequests {
		t.Errorf("requests within limit were rejected: %v", codes)
	}
}

func mustOrchestrator(t *testing.T, st *store.Store) *chat.Orchestrator {
	t.Helper()
	personas, err := relay.LoadPersonas()
	if err != nil {
		t.Fatalf("LoadPersonas: %v", err)
	}
	cache := memory.NewCache(memory.DefaultConfig())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return chat.New(st, cache, relay.New(personas, &scriptedProvider{}), nil, logger)
}
