package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type SubscribeRequest struct {
	TeamID          string          `json:"team_id"`
	PlanCode        string          `json:"plan_code"`
	PlanAmount      int64           `json:"plan_amount"`
	Currency        string          `json:"currency"`
	BillingInterval BillingInterval `json:"billing_interval"`
	Gateway         string          `json:"gateway,omitempty"`
}

type CancelRequest struct {
	SubscriptionID string
	Immediate      bool
}

type Service interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error)
	GetByID(ctx context.Context, id string) (Subscription, error)
	GetByTeamID(ctx context.Context, teamID string) (Subscription, error)
	Cancel(ctx context.Context, req CancelRequest) (Subscription, error)
	Resume(ctx context.Context, id string) (Subscription, error)
	AttachPaymentMethod(ctx context.Context, id string, gatewayCustomerID, paymentMethodID string) (Subscription, error)
}

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByTeamID(ctx context.Context, db *gorm.DB, teamID snowflake.ID) (*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) error

	// ClaimDueForBilling selects billable subscriptions with a stored
	// payment method whose next billing date has arrived, locking each
	// claimed row so concurrent scheduler runs never double-charge.
	ClaimDueForBilling(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	ClaimElapsedTrials(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	ClaimElapsedCancellations(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]Subscription, error)
}

var (
	ErrInvalidTeam           = errors.New("invalid_team")
	ErrInvalidSubscription   = errors.New("invalid_subscription")
	ErrInvalidPlan           = errors.New("invalid_plan")
	ErrInvalidCurrency       = errors.New("invalid_currency")
	ErrInvalidInterval       = errors.New("invalid_billing_interval")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrTeamAlreadySubscribed = errors.New("team_already_subscribed")
	ErrResumeWindowPassed    = errors.New("resume_window_passed")
	ErrNotCanceled           = errors.New("subscription_not_canceled")
)
