package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is the slice of the `users` table this service reads. Profile fields
// feed the settings snapshot taken at job creation.
type User struct {
	ID          uuid.UUID `json:"id"`
	ClerkUserID string    `json:"clerk_user_id"`
	Email       string    `json:"email"`
	Country     string    `json:"country"`
	Language    string    `json:"language"`
	Brand       string    `json:"brand"`
}

// Subscription is the slice of the `subscriptions` table used for the
// paid-subscription precondition on credit-pack purchases.
type Subscription struct {
	UserID           uuid.UUID `json:"user_id"`
	Status           string    `json:"status"` // 'active', 'inactive', 'canceled'
	CurrentPeriodEnd time.Time `json:"current_period_end"`
}

// IsActive reports whether the subscription currently entitles the user to
// paid features.
func (s *Subscription) IsActive(now time.Time) bool {
	return s.Status == "active" && s.CurrentPeriodEnd.After(now)
}
