package api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/heliachat/helia/internal/helia/store"
)

// signWebhook produces a standard-webhooks v1 signature for the delivery.
func signWebhook(secret, id string, ts time.Time, payload []byte) (timestamp, signature string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(payload)
	return timestamp, "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postWebhook(env *testEnv, id, timestamp, signature string, payload []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set("webhook-id", id)
	req.Header.Set("webhook-timestamp", timestamp)
	req.Header.Set("webhook-signature", signature)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

func seedPurchase(t *testing.T, env *testEnv, userID, paymentID string, credits int) {
	t.Helper()
	err := env.store.CreatePurchase(context.Background(), &store.CreditPurchase{
		ID:          uuid.New().String(),
		UserID:      userID,
		Credits:     credits,
		AmountCents: 500,
		Currency:    "USD",
		PaymentID:   paymentID,
		ProductID:   "pdt_helia_credits_100",
	})
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}
}

func TestWebhookSucceededPaymentCreditsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	u, _ := env.createUser(t, 10)
	seedPurchase(t, env, u.ID, "pay_abc", 100)

	payload := []byte(`{"type":"payment.succeeded","data":{"payment_id":"pay_abc"}}`)
	ts, sig := signWebhook(testWebhookSecret, "msg_1", time.Now(), payload)

	rec := postWebhook(env, "msg_1", ts, sig, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: got %d: %s", rec.Code, rec.Body.String())
	}
	credits, err := env.store.GetUserCredits(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetUserCredits: %v", err)
	}
	if credits != 110 {
		t.Fatalf("credits after webhook: got %d, want 110", credits)
	}

	// Redelivery must be acknowledged without crediting again.
	ts2, sig2 := signWebhook(testWebhookSecret, "msg_2", time.Now(), payload)
	rec = postWebhook(env, "msg_2", ts2, sig2, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivered webhook: got %d", rec.Code)
	}
	credits, _ = env.store.GetUserCredits(context.Background(), u.ID)
	if credits != 110 {
		t.Errorf("credits after redelivery: got %d, want 110", credits)
	}
}

func TestWebhookFailedPaymentGrantsNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	u, _ := env.createUser(t, 10)
	seedPurchase(t, env, u.ID, "pay_fail", 100)

	payload := []byte(`{"type":"payment.failed","data":{"payment_id":"pay_fail"}}`)
	ts, sig := signWebhook(testWebhookSecret, "msg_1", time.Now(), payload)

	rec := postWebhook(env, "msg_1", ts, sig, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: got %d: %s", rec.Code, rec.Body.String())
	}

	credits, _ := env.store.GetUserCredits(context.Background(), u.ID)
	if credits != 10 {
		t.Errorf("credits: got %d, want 10", credits)
	}
	p, err := env.store.GetPurchaseByPaymentID(context.Background(), "pay_fail")
	if err != nil {
		t.Fatalf("GetPurchaseByPaymentID: %v", err)
	}
	if p.Status != store.PurchaseFailed {
		t.Errorf("status: got %q, want %q", p.Status, store.PurchaseFailed)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, nil)

	payload := []byte(`{"type":"payment.succeeded","data":{"payment_id":"pay_abc"}}`)
	ts, _ := signWebhook(testWebhookSecret, "msg_1", time.Now(), payload)
	_, wrongSig := signWebhook("wrong-secret", "msg_1", time.Now(), payload)

	if rec := postWebhook(env, "msg_1", ts, wrongSig, payload); rec.Code != http.StatusBadRequest {
		t.Errorf("wrong secret: got %d, want 400", rec.Code)
	}
	if rec := postWebhook(env, "msg_1", ts, "", payload); rec.Code != http.StatusBadRequest {
		t.Errorf("missing signature: got %d, want 400", rec.Code)
	}

	// A signature over different bytes must not validate this payload.
	_, otherSig := signWebhook(testWebhookSecret, "msg_1", time.Now(), []byte(`{}`))
	if rec := postWebhook(env, "msg_1", ts, otherSig, payload); rec.Code != http.StatusBadRequest {
		t.Errorf("signature over other payload: got %d, want 400", rec.Code)
	}
}

func TestWebhookRejectsStaleTimestamp(t *testing.T) {
	env := newTestEnv(t, nil)

	payload := []byte(`{"type":"payment.succeeded","data":{"payment_id":"pay_abc"}}`)
	ts, sig := signWebhook(testWebhookSecret, "msg_1", time.Now().Add(-time.Hour), payload)

	if rec := postWebhook(env, "msg_1", ts, sig, payload); rec.Code != http.StatusBadRequest {
		t.Errorf("stale timestamp: got %d, want 400", rec.Code)
	}
}

func TestWebhookRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t, nil)

	// Valid signature, but the payload is missing data.payment_id.
	payload := []byte(`{"type":"payment.succeeded","data":{}}`)
	ts, sig := signWebhook(testWebhookSecret, "msg_1", time.Now(), payload)

	if rec := postWebhook(env, "msg_1", ts, sig, payload); rec.Code != http.StatusBadRequest {
		t.Errorf("schema-invalid payload: got %d, want 400", rec.Code)
	}
}

func TestWebhookAcknowledgesUnknownEventTypes(t *testing.T) {
	env := newTestEnv(t, nil)

	payload := []byte(`{"type":"customer.created","data":{"payment_id":"pay_x"}}`)
	ts, sig := signWebhook(testWebhookSecret, "msg_1", time.Now(), payload)

	rec := postWebhook(env, "msg_1", ts, sig, payload)
	if rec.Code != http.StatusOK {
		t.Errorf("unknown event type: got %d, want 200", rec.Code)
	}
}

func TestWebhookUnknownPaymentIsAcknowledged(t *testing.T) {
	env := newTestEnv(t, nil)

	payload := []byte(`{"type":"payment.succeeded","data":{"payment_id":"pay_missing"}}`)
	ts, sig := signWebhook(testWebhookSecret, "msg_1", time.Now(), payload)

	rec := postWebhook(env, "msg_1", ts, sig, payload)
	if rec.Code != http.StatusOK {
		t.Errorf("unknown payment: got %d, want 200", rec.Code)
	}
}
