/**
 * @description
 * Domain models for one-time credit-pack purchases. A purchase row is written
 * with status `pending` before the user is redirected to checkout, so the
 * payment-session id is available for reconciliation no matter which trigger
 * (webhook or client recheck) observes the payment first. The pending ->
 * completed transition happens at most once.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Credit purchase statuses.
const (
	PurchaseStatusPending   = "pending"
	PurchaseStatusCompleted = "completed"
	PurchaseStatusFailed    = "failed"
)

// CreditPurchase maps to one row of the `credit_purchases` table.
type CreditPurchase struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	StripeSessionID string     `json:"stripe_session_id"`
	PackID          string     `json:"pack_id"`
	Category        string     `json:"category"`
	CreditAmount    int        `json:"credit_amount"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// CreditPack describes a purchasable one-time pack.
type CreditPack struct {
	ID         string `json:"id"`
	Category   string `json:"category"`
	Credits    int    `json:"credits"`
	PriceCents int64  `json:"price_cents"`
}

// CreditPacks is the purchasable catalogue, keyed by pack id.
var CreditPacks = map[string]CreditPack{
	"topic_50":  {ID: "topic_50", Category: CreditCategoryTopicSearch, Credits: 50, PriceCents: 900},
	"topic_200": {ID: "topic_200", Category: CreditCategoryTopicSearch, Credits: 200, PriceCents: 2900},
	"email_150": {ID: "email_150", Category: CreditCategoryEmail, Credits: 150, PriceCents: 1900},
	"ai_500":    {ID: "ai_500", Category: CreditCategoryAI, Credits: 500, PriceCents: 1400},
}

// BuyCreditPackRequest is the DTO for the checkout endpoint.
type BuyCreditPackRequest struct {
	UserID string `json:"user_id"`
	PackID string `json:"pack_id"`
}

// BuyCreditPackResult carries the checkout redirect back to the client.
type BuyCreditPackResult struct {
	PurchaseID  uuid.UUID `json:"purchase_id"`
	SessionID   string    `json:"session_id"`
	CheckoutURL string    `json:"checkout_url"`
}

// PurchaseFulfillmentOutcome reports the result of one reconciler invocation.
// PaymentStatus carries the provider's view of the session when the
// reconciler rechecked it; it is empty for webhook-driven applies.
type PurchaseFulfillmentOutcome struct {
	PurchaseID    uuid.UUID `json:"purchase_id"`
	Applied       bool      `json:"applied"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// FulfillPendingResult summarizes a fallback reconciliation pass for a user.
type FulfillPendingResult struct {
	Fulfilled int                          `json:"fulfilled"`
	Outcomes  []PurchaseFulfillmentOutcome `json:"outcomes"`
}
