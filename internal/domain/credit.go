/**
 * @description
 * Domain models for the consumable credit ledger. Credits are tracked per
 * (user, category, billing period); the invariant `used <= total` is enforced
 * at debit time by the store, never repaired after the fact.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Credit categories. Each is an independent quota bucket.
const (
	CreditCategoryTopicSearch = "topic_search"
	CreditCategoryEmail       = "email"
	CreditCategoryAI          = "ai"
)

// CreditLedgerEntry maps to one row of the `credit_ledger` table.
// MonthlyGrant is the recurring allowance re-seeded at period rollover;
// one-time pack purchases raise Total for the current period only.
type CreditLedgerEntry struct {
	UserID       uuid.UUID `json:"user_id"`
	Category     string    `json:"category"`
	PeriodStart  time.Time `json:"period_start"`
	Total        int       `json:"total"`
	Used         int       `json:"used"`
	MonthlyGrant int       `json:"monthly_grant"`
}

// Remaining returns the credits still available in this bucket.
func (e *CreditLedgerEntry) Remaining() int {
	if e.Total < e.Used {
		return 0
	}
	return e.Total - e.Used
}

// PeriodStart truncates a point in time to the first instant of its billing
// month in UTC. Every ledger and rollover operation keys periods this way.
func PeriodStart(at time.Time) time.Time {
	at = at.UTC()
	return time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
}
