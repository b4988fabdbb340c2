package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/heliachat/helia/internal/helia/store"
)

// webhookMaxSkew bounds how stale a delivery's timestamp may be in either
// direction before it is rejected as a possible replay.
const webhookMaxSkew = 5 * time.Minute

// webhookMaxBody caps inbound webhook bodies.
const webhookMaxBody = 1 << 20

// paymentEventSchema validates the provider's event payload before any
// field is trusted.
const paymentEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "data"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"data": {
			"type": "object",
			"required": ["payment_id"],
			"properties": {
				"payment_id": {"type": "string", "minLength": 1}
			}
		}
	}
}`

var paymentSchema = jsonschema.MustCompileString("payment-event.json", paymentEventSchema)

// paymentEvent is the subset of the provider payload Helia acts on.
type paymentEvent struct {
	Type string `json:"type"`
	Data struct {
		PaymentID string `json:"payment_id"`
	} `json:"data"`
}

// eventStatus maps provider event types to purchase settlement statuses.
var eventStatus = map[string]string{
	"payment.succeeded": store.PurchaseSucceeded,
	"payment.failed":    store.PurchaseFailed,
	"payment.expired":   store.PurchaseExpired,
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret == "" {
		s.logger.Error("payment webhook received but no secret configured")
		writeError(w, http.StatusInternalServerError, "webhook verification configuration error")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	id := r.Header.Get("webhook-id")
	timestamp := r.Header.Get("webhook-timestamp")
	signature := r.Header.Get("webhook-signature")
	if err := verifyWebhookSignature(s.webhookSecret, id, timestamp, signature, payload); err != nil {
		s.logger.Warn("webhook signature verification failed", "webhook_id", id, "error", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := paymentSchema.Validate(raw); err != nil {
		s.logger.Warn("webhook payload failed validation", "webhook_id", id, "error", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var event paymentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	status, handled := eventStatus[event.Type]
	if !handled {
		s.logger.Info("unhandled webhook event type", "type", event.Type)
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "received",
			"message": "event acknowledged but not processed",
		})
		return
	}

	granted, err := s.store.SettlePurchase(r.Context(), event.Data.PaymentID, status)
	if errors.Is(err, store.ErrNotFound) {
		// Unknown payment or a redelivered event; either way there is
		// nothing left to do and the provider should not retry.
		s.logger.Info("webhook settle no-op", "payment_id", event.Data.PaymentID, "type", event.Type)
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "event_type": event.Type})
		return
	}
	if err != nil {
		s.internalError(w, r, "settle purchase", err)
		return
	}

	if granted > 0 {
		s.logger.Info("credits granted", "payment_id", event.Data.PaymentID, "credits", granted)
	} else {
		s.logger.Info("purchase settled without credit", "payment_id", event.Data.PaymentID, "status", status)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "event_type": event.Type})
}

// verifyWebhookSignature checks a standard-webhooks delivery: base64 HMAC
// SHA-256 over "id.timestamp.payload", with the timestamp bounded to the
// skew window. The signature header may carry several space-separated
// "v1,<sig>" entries; any one match passes.
func verifyWebhookSignature(secret, id, timestamp, signature string, payload []byte) error {
	if id == "" || timestamp == "" || signature == "" {
		return errors.New("missing webhook headers")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp: %w", err)
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew > webhookMaxSkew || skew < -webhookMaxSkew {
		return errors.New("timestamp outside tolerance")
	}

	key := []byte(secret)
	if trimmed, ok := strings.CutPrefix(secret, "whsec_"); ok {
		decoded, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return fmt.Errorf("bad webhook secret: %w", err)
		}
		key = decoded
	}

	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(payload)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, entry := range strings.Fields(signature) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(want)) {
			return nil
		}
	}
	return errors.New("no matching signature")
}
