package domain

import (
	"time"

	"github.com/google/uuid"
)

// SearchCompletedEvent is published after a job reaches `completed`.
type SearchCompletedEvent struct {
	JobID        uuid.UUID `json:"job_id"`
	UserID       uuid.UUID `json:"user_id"`
	NewItemCount int       `json:"new_item_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// PurchaseFulfilledEvent is published after a pending purchase is applied.
type PurchaseFulfilledEvent struct {
	PurchaseID   uuid.UUID `json:"purchase_id"`
	UserID       uuid.UUID `json:"user_id"`
	Category     string    `json:"category"`
	CreditAmount int       `json:"credit_amount"`
	Timestamp    time.Time `json:"timestamp"`
}
