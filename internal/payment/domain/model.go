package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/smallbiznis/subpay/internal/gateway/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCaptured  PaymentStatus = "captured"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Payment records one charge attempt against a subscription. ChargeID
// is the processor-issued identifier and the idempotency key: replayed
// webhooks and concurrent reconciliations land on the same row.
type Payment struct {
	ID               snowflake.ID   `json:"id" gorm:"primaryKey"`
	SubscriptionID   snowflake.ID   `json:"subscription_id" gorm:"not null;index"`
	TeamID           snowflake.ID   `json:"team_id" gorm:"not null;index"`
	ChargeID         string         `json:"charge_id" gorm:"type:text;not null;uniqueIndex"`
	Gateway          string         `json:"gateway" gorm:"type:text;not null"`
	Amount           int64          `json:"amount" gorm:"not null"`
	Currency         string         `json:"currency" gorm:"type:text;not null"`
	Status           PaymentStatus  `json:"status" gorm:"type:text;not null;index"`
	PaymentMethod    string         `json:"payment_method" gorm:"type:text"`
	CardLastFour     string         `json:"card_last_four" gorm:"type:text"`
	CardBrand        string         `json:"card_brand" gorm:"type:text"`
	GatewayReference string         `json:"gateway_reference" gorm:"type:text"`
	PaymentReference string         `json:"payment_reference" gorm:"type:text"`
	FailureReason    string         `json:"failure_reason" gorm:"type:text"`
	GatewayResponse  datatypes.JSON `json:"gateway_response" gorm:"type:jsonb"`
	PaidAt           *time.Time     `json:"paid_at"`
	RefundedAt       *time.Time     `json:"refunded_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// StatusFromOutcome maps the normalized charge vocabulary onto the
// stored payment status.
func StatusFromOutcome(status gatewaydomain.ChargeStatus) PaymentStatus {
	switch status {
	case gatewaydomain.ChargeStatusCaptured:
		return PaymentStatusCaptured
	case gatewaydomain.ChargeStatusPending:
		return PaymentStatusPending
	case gatewaydomain.ChargeStatusCancelled:
		return PaymentStatusCancelled
	default:
		return PaymentStatusFailed
	}
}

type Repository interface {
	// UpsertByChargeID inserts the payment unless a row with the same
	// charge_id already exists; it reports whether the insert happened
	// and returns the stored row either way.
	UpsertByChargeID(ctx context.Context, tx *gorm.DB, payment *Payment) (bool, *Payment, error)
	FindByChargeID(ctx context.Context, db *gorm.DB, chargeID string) (*Payment, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, limit int) ([]Payment, error)
	Update(ctx context.Context, db *gorm.DB, payment *Payment) error
}

var (
	ErrInvalidCharge     = errors.New("invalid_charge")
	ErrPaymentNotFound   = errors.New("payment_not_found")
	ErrUnknownSubscriber = errors.New("unknown_subscriber")
)
