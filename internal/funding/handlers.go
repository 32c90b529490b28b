package funding

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/clearhold/clearhold/internal/escrow"
)

const maxWebhookBody = 1 << 20 // Stripe events are small; 1MB is generous

// StripeIntents is the production IntentCreator.
type StripeIntents struct{}

func (StripeIntents) Create(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(params)
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterProtectedRoutes mounts the payer-facing funding route.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/fund", h.CreateIntent)
}

// RegisterWebhookRoutes mounts the Stripe callback. It authenticates
// via the Stripe-Signature header, not the party middleware.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/stripe/webhook", h.StripeWebhook)
}

func (h *Handler) CreateIntent(c *gin.Context) {
	pi, err := h.svc.CreateIntent(c.Request.Context(), c.Param("id"), c.GetString("authParty"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"intentId":     pi.ID,
		"clientSecret": pi.ClientSecret,
		"amountCents":  pi.Amount,
		"currency":     pi.Currency,
	})
}

func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_body"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.svc.webhookSecret)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		if event.Type == "payment_intent.succeeded" {
			err = h.svc.HandlePaymentSucceeded(c.Request.Context(), &pi)
		} else {
			err = h.svc.HandlePaymentFailed(c.Request.Context(), &pi)
		}
		if err != nil && !errors.Is(err, ErrNoEscrowRef) && !errors.Is(err, escrow.ErrNotFound) {
			// Tell Stripe to retry transient failures. Payments without
			// an escrow reference are not ours; acknowledge and drop.
			c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed"})
			return
		}
	default:
		// Unhandled event types are acknowledged so Stripe stops
		// resending them.
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrNotPayer):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrNotFundable), errors.Is(err, ErrNoVault):
		c.JSON(http.StatusConflict, gin.H{"error": "not_fundable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create payment intent"})
	}
}
