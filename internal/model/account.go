package model

import (
	"fmt"
	"time"
)

// Tier is the closed set of subscription tiers. External tier strings are
// parsed once at the boundary; unrecognized values fail loudly instead of
// silently defaulting inside business logic.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFree, TierPro:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// SubscriptionStatus mirrors the payment processor's subscription state.
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = "none"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusUnpaid   SubscriptionStatus = "unpaid"
)

func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	switch SubscriptionStatus(s) {
	case StatusNone, StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid:
		return SubscriptionStatus(s), nil
	default:
		return "", fmt.Errorf("unknown subscription status %q", s)
	}
}

// ExternalRef points at the customer and subscription objects in the payment
// processor. Both fields are empty until the account's first purchase.
type ExternalRef struct {
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
}

func (r ExternalRef) IsZero() bool {
	return r.CustomerID == "" && r.SubscriptionID == ""
}

// AccountBalance is the per-account balance record. The credit ledger owns
// CreditsTotal/CreditsUsed/CycleAnchor; the reconciler owns Tier,
// SubscriptionStatus and ExternalRef. CreditsUsed may exceed CreditsTotal
// after a downgrade: used credits are never un-used, the account is simply
// exhausted until the next cycle reset.
type AccountBalance struct {
	AccountID          string             `json:"account_id"`
	Tier               Tier               `json:"tier"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	CreditsTotal       int64              `json:"credits_total"`
	CreditsUsed        int64              `json:"credits_used"`
	CycleAnchor        time.Time          `json:"cycle_anchor"`
	ExternalRef        ExternalRef        `json:"external_ref"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Remaining never reports a negative value, even when a downgrade left
// CreditsUsed above CreditsTotal.
func (b *AccountBalance) Remaining() int64 {
	if b.CreditsUsed >= b.CreditsTotal {
		return 0
	}
	return b.CreditsTotal - b.CreditsUsed
}

// NewAccountBalance returns the lazily initialised default record: free tier,
// no subscription, zero usage.
func NewAccountBalance(accountID string, allotment int64, now time.Time) *AccountBalance {
	return &AccountBalance{
		AccountID:          accountID,
		Tier:               TierFree,
		SubscriptionStatus: StatusNone,
		CreditsTotal:       allotment,
		CreditsUsed:        0,
		CycleAnchor:        now,
		UpdatedAt:          now,
	}
}
