/**
 * @description
 * This file implements credit pack purchases and their fulfillment. A pending
 * purchase row is written before the caller is redirected to checkout, and two
 * independent triggers converge on the same idempotent apply afterwards: the
 * payment provider's webhook and the client-driven recheck (plus a periodic
 * sweep for abandoned rows). The store's compare-and-swap on the purchase row
 * guarantees credits are granted exactly once no matter how many triggers
 * observe the payment.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/lightwheel10/affiliate-finder-backend/internal/domain"
	"github.com/lightwheel10/affiliate-finder-backend/pkg/stripeclient"
)

const paymentStatusPaid = "paid"

// BuyCreditPack checks the paid-subscription precondition, opens a checkout
// session for the pack and records the pending purchase. The pending row must
// exist before the redirect URL is returned so that whichever fulfillment
// trigger fires first can find it by session id.
func (s *Service) BuyCreditPack(ctx context.Context, req domain.BuyCreditPackRequest) (*domain.BuyCreditPackResult, error) {
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return nil, ErrMissingUserID
	}
	pack, ok := domain.CreditPacks[req.PackID]
	if !ok {
		return nil, ErrUnknownPack
	}

	if _, err := s.repo.FindUserByID(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	sub, err := s.repo.FindSubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription: %w", err)
	}
	if sub == nil || !sub.IsActive(s.now()) {
		return nil, ErrSubscriptionRequired
	}

	purchaseID := uuid.New()
	session, err := s.checkout.CreateCheckoutSession(ctx, stripeclient.CheckoutParams{
		ProductName:       fmt.Sprintf("%d %s credits", pack.Credits, pack.Category),
		AmountCents:       pack.PriceCents,
		Currency:          "usd",
		SuccessURL:        s.checkoutSuccessURL,
		CancelURL:         s.checkoutCancelURL,
		ClientReferenceID: purchaseID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	purchase := &domain.CreditPurchase{
		ID:              purchaseID,
		UserID:          userID,
		StripeSessionID: session.ID,
		PackID:          pack.ID,
		Category:        pack.Category,
		CreditAmount:    pack.Credits,
		Status:          domain.PurchaseStatusPending,
	}
	if err := s.repo.CreatePurchase(ctx, purchase); err != nil {
		return nil, fmt.Errorf("failed to record purchase: %w", err)
	}

	log.Printf("level=info component=billing_service op=buy_pack purchase_id=%s pack=%s user_id=%s", purchaseID, pack.ID, userID)
	return &domain.BuyCreditPackResult{
		PurchaseID:  purchaseID,
		SessionID:   session.ID,
		CheckoutURL: session.URL,
	}, nil
}

// HandleCheckoutCompleted is the webhook trigger. The API layer has already
// verified the event signature; this resolves the purchase by session id and
// runs the idempotent apply. A repeat delivery finds the purchase already
// completed and reports Applied=false without touching the ledger.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, sessionID, paymentStatus string) (*domain.PurchaseFulfillmentOutcome, error) {
	if paymentStatus != paymentStatusPaid {
		log.Printf("level=info component=billing_service op=webhook session_id=%s msg=\"ignoring unpaid session\" payment_status=%s", sessionID, paymentStatus)
		return &domain.PurchaseFulfillmentOutcome{}, nil
	}

	purchase, err := s.repo.FindPurchaseBySessionID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve purchase: %w", err)
	}

	outcome := s.applyPurchase(ctx, purchase)
	return &outcome, nil
}

// FulfillPendingPurchases is the client-driven fallback trigger: it rechecks
// every pending purchase of one user against the payment provider and applies
// the paid ones. Every rechecked purchase gets an outcome, including unpaid
// ones that stay pending; when the webhook already handled everything the
// result is simply `fulfilled: 0`.
func (s *Service) FulfillPendingPurchases(ctx context.Context, userID uuid.UUID) (*domain.FulfillPendingResult, error) {
	pending, err := s.repo.ListPendingPurchasesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending purchases: %w", err)
	}

	result := &domain.FulfillPendingResult{Outcomes: []domain.PurchaseFulfillmentOutcome{}}
	for i := range pending {
		outcome := s.reconcilePending(ctx, &pending[i])
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.Applied {
			result.Fulfilled++
		}
	}
	return result, nil
}

// reconcilePending verifies one pending purchase against the payment provider
// and applies it if paid. Unpaid sessions are left pending but still get an
// outcome so callers can see the provider's payment status; provider errors
// are recorded in the outcome and retried on the next trigger.
func (s *Service) reconcilePending(ctx context.Context, purchase *domain.CreditPurchase) domain.PurchaseFulfillmentOutcome {
	session, err := s.checkout.RetrieveCheckoutSession(ctx, purchase.StripeSessionID)
	if err != nil {
		log.Printf("level=warn component=billing_service op=reconcile purchase_id=%s msg=\"session lookup failed\" err=%v", purchase.ID, err)
		return domain.PurchaseFulfillmentOutcome{PurchaseID: purchase.ID, Error: err.Error()}
	}
	if session.PaymentStatus != paymentStatusPaid {
		return domain.PurchaseFulfillmentOutcome{PurchaseID: purchase.ID, PaymentStatus: session.PaymentStatus}
	}

	outcome := s.applyPurchase(ctx, purchase)
	outcome.PaymentStatus = session.PaymentStatus
	return outcome
}

// applyPurchase runs the store's exactly-once apply and publishes the
// fulfillment event when this caller was the one that completed the row.
func (s *Service) applyPurchase(ctx context.Context, purchase *domain.CreditPurchase) domain.PurchaseFulfillmentOutcome {
	applied, fresh, err := s.repo.ApplyPurchase(ctx, purchase.ID, domain.PeriodStart(s.now()))
	if err != nil {
		log.Printf("level=error component=billing_service op=apply purchase_id=%s msg=\"apply failed\" err=%v", purchase.ID, err)
		return domain.PurchaseFulfillmentOutcome{PurchaseID: purchase.ID, Error: err.Error()}
	}
	if !applied {
		return domain.PurchaseFulfillmentOutcome{PurchaseID: purchase.ID, Applied: false}
	}

	log.Printf("level=info component=billing_service op=apply purchase_id=%s user_id=%s category=%s credits=%d", fresh.ID, fresh.UserID, fresh.Category, fresh.CreditAmount)
	if s.eventProducer != nil {
		event := domain.PurchaseFulfilledEvent{
			PurchaseID:   fresh.ID,
			UserID:       fresh.UserID,
			Category:     fresh.Category,
			CreditAmount: fresh.CreditAmount,
			Timestamp:    s.now(),
		}
		if err := s.eventProducer.PublishPurchaseFulfilled(ctx, event); err != nil {
			log.Printf("level=warn component=billing_service op=apply purchase_id=%s msg=\"event publish failed\" err=%v", fresh.ID, err)
		}
	}
	return domain.PurchaseFulfillmentOutcome{PurchaseID: fresh.ID, Applied: true}
}
