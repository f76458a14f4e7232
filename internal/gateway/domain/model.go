// Package domain defines the processor-neutral charge contract. Every
// adapter normalizes its native vocabulary into these types before
// returning control to the rest of the billing core.
package domain

import (
	"context"
	"errors"
)

// ChargeStatus is the shared status vocabulary. Nothing outside an
// adapter ever sees a processor-specific status string.
type ChargeStatus string

const (
	ChargeStatusCaptured  ChargeStatus = "CAPTURED"
	ChargeStatusPending   ChargeStatus = "PENDING"
	ChargeStatusFailed    ChargeStatus = "FAILED"
	ChargeStatusCancelled ChargeStatus = "CANCELLED"
)

// EventKind discriminates webhook notifications.
type EventKind string

const (
	EventKindCharge EventKind = "charge"
	EventKindRefund EventKind = "refund"
)

// ChargeSubject carries everything an adapter needs to charge on behalf
// of a subscription. Identifiers are passed explicitly; adapters never
// reach into ambient state.
type ChargeSubject struct {
	SubscriptionID    string
	TeamID            string
	Amount            int64 // minor units
	Currency          string
	Description       string
	GatewayCustomerID string
	PaymentMethodID   string
}

// ChargeRequest holds the per-call parameters of an interactive charge.
type ChargeRequest struct {
	RedirectURL string
	WebhookURL  string
}

// ChargeOutcome is the normalized result of a charge attempt or a
// webhook notification about one.
type ChargeOutcome struct {
	ChargeID         string
	Status           ChargeStatus
	Amount           int64
	Currency         string
	RedirectURL      string
	PaymentMethod    string
	CardLastFour     string
	CardBrand        string
	GatewayReference string
	PaymentReference string
	FailureReason    string
	Raw              []byte
}

// RefundOutcome is the normalized result of a refund call.
type RefundOutcome struct {
	RefundID string
	ChargeID string
	Amount   int64
	Currency string
	Raw      []byte
}

// WebhookEvent is a parsed, normalized processor notification.
type WebhookEvent struct {
	Kind           EventKind
	SubscriptionID string
	Outcome        ChargeOutcome
}

// Gateway is implemented once per payment processor.
type Gateway interface {
	// Name returns the stable registry key, also stored on
	// subscription and payment records.
	Name() string

	// CreateCharge initiates an interactive charge. The outcome carries
	// a redirect URL when the flow requires customer interaction.
	CreateCharge(ctx context.Context, subject ChargeSubject, req ChargeRequest) (*ChargeOutcome, error)

	// RetrieveCharge fetches the current status of a charge for
	// reconciliation.
	RetrieveCharge(ctx context.Context, chargeID string) (*ChargeOutcome, error)

	// RefundCharge refunds part or all of a captured charge.
	RefundCharge(ctx context.Context, chargeID string, amount int64, currency string, reason string) (*RefundOutcome, error)

	// ChargeSavedPaymentMethod performs an off-session charge using the
	// stored payment method. Returns ErrNoPaymentMethod when the
	// subject carries none.
	ChargeSavedPaymentMethod(ctx context.Context, subject ChargeSubject, webhookURL string) (*ChargeOutcome, error)

	// SignatureHeader names the HTTP header carrying the webhook
	// signature for this processor.
	SignatureHeader() string

	// VerifyWebhookSignature authenticates an inbound notification.
	// It must be called before any state mutation.
	VerifyWebhookSignature(payload []byte, signature string) error

	// ParseWebhook maps an authenticated payload onto the shared event
	// shape.
	ParseWebhook(payload []byte) (*WebhookEvent, error)
}

var (
	ErrUnsupportedGateway = errors.New("unsupported_gateway")
	ErrNoPaymentMethod    = errors.New("no_payment_method")
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrEventIgnored       = errors.New("event_ignored")
	ErrGatewayCall        = errors.New("gateway_call_failed")
)
