package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Checkout is a hosted payment page created for one purchase.
type Checkout struct {
	PaymentID   string
	PaymentLink string
	AmountCents int
	Currency    string
}

// PaymentClient creates hosted checkouts with the payment provider.
type PaymentClient interface {
	CreateCheckout(ctx context.Context, userID, email, name, productID string) (*Checkout, error)
}

// PaymentConfig configures the hosted-checkout client.
type PaymentConfig struct {
	APIKey    string
	BaseURL   string
	ReturnURL string
	Timeout   time.Duration
}

type paymentClient struct {
	cfg    PaymentConfig
	client *http.Client
}

// NewPaymentClient creates a client for a Dodo-style payments API.
func NewPaymentClient(cfg PaymentConfig) PaymentClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &paymentClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type checkoutRequestBody struct {
	ProductCart []struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	} `json:"product_cart"`
	Customer struct {
		CustomerID string `json:"customer_id"`
		Email      string `json:"email"`
		Name       string `json:"name"`
	} `json:"customer"`
	Metadata    map[string]string `json:"metadata"`
	PaymentLink bool              `json:"payment_link"`
	ReturnURL   string            `json:"return_url"`
}

type checkoutResponseBody struct {
	PaymentID   string `json:"payment_id"`
	PaymentLink string `json:"payment_link"`
	TotalAmount int    `json:"total_amount"`
	Currency    string `json:"currency"`
}

func (c *paymentClient) CreateCheckout(ctx context.Context, userID, email, name, productID string) (*Checkout, error) {
	var body checkoutRequestBody
	body.ProductCart = append(body.ProductCart, struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	}{ProductID: productID, Quantity: 1})
	body.Customer.CustomerID = userID
	body.Customer.Email = email
	if name == "" {
		name = "Helia User"
	}
	body.Customer.Name = name
	body.Metadata = map[string]string{"user_id": userID}
	body.PaymentLink = true
	body.ReturnURL = c.cfg.ReturnURL

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("payments: marshal checkout: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/payments", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments: create checkout: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("payments: create checkout: status %d: %s", resp.StatusCode, msg)
	}

	var out checkoutResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("payments: decode checkout response: %w", err)
	}
	if out.PaymentID == "" || out.PaymentLink == "" {
		return nil, fmt.Errorf("payments: checkout response missing payment id or link")
	}

	return &Checkout{
		PaymentID:   out.PaymentID,
		PaymentLink: out.PaymentLink,
		AmountCents: out.TotalAmount,
		Currency:    out.Currency,
	}, nil
}
