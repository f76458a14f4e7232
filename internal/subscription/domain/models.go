// Package domain contains the subscription entity and its lifecycle
// state machine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrial    SubscriptionStatus = "trial"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
)

// Billable reports whether the subscription is live for billing
// purposes. canceled and expired are terminal.
func (s SubscriptionStatus) Billable() bool {
	switch s {
	case SubscriptionStatusTrial, SubscriptionStatusActive, SubscriptionStatusPastDue:
		return true
	}
	return false
}

type BillingInterval string

const (
	BillingIntervalMonthly BillingInterval = "monthly"
	BillingIntervalYearly  BillingInterval = "yearly"
)

// Advance moves t forward by one billing interval.
func (i BillingInterval) Advance(t time.Time) time.Time {
	if i == BillingIntervalYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Subscription tracks one team's billing relationship with a plan.
// Exactly one exists per team; cancellation is a status change, never a
// delete.
type Subscription struct {
	ID     snowflake.ID `gorm:"primaryKey" json:"id"`
	TeamID snowflake.ID `gorm:"not null;uniqueIndex" json:"team_id"`

	PlanCode        string          `gorm:"type:text;not null" json:"plan_code"`
	PlanAmount      int64           `gorm:"not null" json:"plan_amount"`
	Currency        string          `gorm:"type:text;not null" json:"currency"`
	BillingInterval BillingInterval `gorm:"type:text;not null" json:"billing_interval"`

	Status SubscriptionStatus `gorm:"type:text;not null;index" json:"status"`

	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	EndsAt             *time.Time `json:"ends_at,omitempty"`
	NextBillingDate    *time.Time `gorm:"index" json:"next_billing_date,omitempty"`
	GracePeriodEndsAt  *time.Time `json:"grace_period_ends_at,omitempty"`
	LastPaymentAt      *time.Time `json:"last_payment_at,omitempty"`

	AutoRenew bool `gorm:"not null;default:true" json:"auto_renew"`

	// Opaque identifiers issued by the bound processor. Without a
	// payment method, unattended recurring charging is impossible.
	Gateway           string  `gorm:"type:text;not null" json:"gateway"`
	GatewayCustomerID *string `gorm:"type:text" json:"gateway_customer_id,omitempty"`
	PaymentMethodID   *string `gorm:"type:text" json:"payment_method_id,omitempty"`

	RetryCount int `gorm:"not null;default:0" json:"retry_count"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
