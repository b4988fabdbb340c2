package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/heliachat/helia/internal/helia/store"
)

// CreditPlan is a purchasable credit package. IDs match the products
// configured in the payment provider's dashboard.
type CreditPlan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Price       int    `json:"price"` // cents
	Credits     int    `json:"credits"`
	Description string `json:"description"`
}

var creditPlans = []CreditPlan{
	{
		ID:          "pdt_helia_credits_100",
		Name:        "100 Credits",
		Price:       500,
		Credits:     100,
		Description: "Basic package with 100 credits for chat interactions",
	},
	{
		ID:          "pdt_helia_credits_500",
		Name:        "500 Credits",
		Price:       1000,
		Credits:     500,
		Description: "Premium package with 500 credits for chat interactions",
	},
}

func planByID(id string) (CreditPlan, bool) {
	for _, p := range creditPlans {
		if p.ID == id {
			return p, true
		}
	}
	return CreditPlan{}, false
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, creditPlans)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())
	credits, err := s.store.GetUserCredits(r.Context(), u.ID)
	if err != nil {
		s.internalError(w, r, "get credits", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"credits_remaining": credits})
}

type createCheckoutRequest struct {
	ProductID string `json:"product_id"`
}

type checkoutResponse struct {
	PaymentLink string `json:"payment_link"`
	PaymentID   string `json:"payment_id"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())

	if s.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payment service is currently unavailable")
		return
	}

	var req createCheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	plan, ok := planByID(req.ProductID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid product ID")
		return
	}

	checkout, err := s.payments.CreateCheckout(r.Context(), u.ID, u.Email, u.Name.String, plan.ID)
	if err != nil {
		s.internalError(w, r, "create checkout", err)
		return
	}

	purchase := &store.CreditPurchase{
		ID:          uuid.New().String(),
		UserID:      u.ID,
		Credits:     plan.Credits,
		AmountCents: checkout.AmountCents,
		Currency:    checkout.Currency,
		PaymentID:   checkout.PaymentID,
		ProductID:   plan.ID,
	}
	if err := s.store.CreatePurchase(r.Context(), purchase); err != nil {
		s.internalError(w, r, "record purchase", err)
		return
	}

	s.logger.Info("checkout created", "user_id", u.ID, "payment_id", checkout.PaymentID)
	writeJSON(w, http.StatusCreated, checkoutResponse{
		PaymentLink: checkout.PaymentLink,
		PaymentID:   checkout.PaymentID,
	})
}

type purchaseResponse struct {
	ID          string `json:"id"`
	Credits     int    `json:"credits"`
	AmountCents int    `json:"amount_cents"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	ProductID   string `json:"product_id"`
	CreatedAt   string `json:"created_at"`
}

func (s *Server) handlePurchases(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())

	purchases, err := s.store.ListPurchases(r.Context(), u.ID)
	if err != nil {
		s.internalError(w, r, "list purchases", err)
		return
	}
	out := make([]purchaseResponse, 0, len(purchases))
	for _, p := range purchases {
		out = append(out, purchaseResponse{
			ID:          p.ID,
			Credits:     p.Credits,
			AmountCents: p.AmountCents,
			Currency:    p.Currency,
			Status:      p.Status,
			ProductID:   p.ProductID,
			CreatedAt:   p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
