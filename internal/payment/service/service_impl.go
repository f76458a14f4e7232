package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subpay/internal/clock"
	"github.com/smallbiznis/subpay/internal/config"
	"github.com/smallbiznis/subpay/internal/gateway/adapters"
	gatewaydomain "github.com/smallbiznis/subpay/internal/gateway/domain"
	invoicedomain "github.com/smallbiznis/subpay/internal/invoice/domain"
	"github.com/smallbiznis/subpay/internal/notify"
	obsmetrics "github.com/smallbiznis/subpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/subpay/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/subpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	SubRepo    subscriptiondomain.Repository
	Registry   *adapters.Registry
	InvoiceSvc invoicedomain.Service
	Notifier   notify.Notifier
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       paymentdomain.Repository
	subRepo    subscriptiondomain.Repository
	registry   *adapters.Registry
	invoiceSvc invoicedomain.Service
	notifier   notify.Notifier
	cfg        config.Config
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		subRepo:    p.SubRepo,
		registry:   p.Registry,
		invoiceSvc: p.InvoiceSvc,
		notifier:   p.Notifier,
		cfg:        p.Cfg,
		obsMetrics: p.ObsMetrics,
	}
}

// ChargeResult is what the interactive charge endpoint returns.
type ChargeResult struct {
	Payment     paymentdomain.Payment `json:"payment"`
	RedirectURL string                `json:"redirect_url,omitempty"`
}

// Charge initiates an interactive charge for the subscription's current
// plan amount. Gateway transport errors surface to the caller; the
// eventual outcome still arrives through the webhook.
func (s *Service) Charge(ctx context.Context, subscriptionID string) (ChargeResult, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(subscriptionID))
	if err != nil {
		return ChargeResult{}, subscriptiondomain.ErrInvalidSubscription
	}

	sub, err := s.subRepo.FindByID(ctx, s.db, id)
	if err != nil {
		return ChargeResult{}, err
	}
	if sub == nil {
		return ChargeResult{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	gw, err := s.registry.Resolve(sub.Gateway)
	if err != nil {
		return ChargeResult{}, err
	}

	outcome, err := gw.CreateCharge(ctx, s.chargeSubject(sub), gatewaydomain.ChargeRequest{
		RedirectURL: s.cfg.CheckoutReturnURL,
		WebhookURL:  s.webhookURL(gw.Name()),
	})
	if err != nil {
		return ChargeResult{}, err
	}

	payment, err := s.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindCharge, *outcome)
	if err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{Payment: *payment, RedirectURL: outcome.RedirectURL}, nil
}

// ChargeRecurring runs an off-session charge for the scheduler. A
// transport failure is folded into a synthetic failed outcome so the
// attempt is still recorded and dunning advances. A missing payment
// method skips the attempt entirely: the claim query excludes unfunded
// subscriptions, so this only covers the method detaching between
// claim and charge, and it must not move the subscription.
func (s *Service) ChargeRecurring(ctx context.Context, sub *subscriptiondomain.Subscription) (*paymentdomain.Payment, error) {
	gw, err := s.registry.Resolve(sub.Gateway)
	if err != nil {
		return nil, err
	}

	outcome, err := gw.ChargeSavedPaymentMethod(ctx, s.chargeSubject(sub), s.webhookURL(gw.Name()))
	if err != nil {
		switch {
		case errors.Is(err, gatewaydomain.ErrNoPaymentMethod):
			s.log.Warn("recurring charge skipped: no payment method",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("gateway", sub.Gateway),
			)
			if s.obsMetrics != nil {
				s.obsMetrics.RecordChargeOutcome(sub.Gateway, "skipped")
			}
			return nil, nil
		case errors.Is(err, gatewaydomain.ErrGatewayCall):
			outcome = s.syntheticFailure(sub, err)
		default:
			return nil, err
		}
	}

	return s.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindCharge, *outcome)
}

// ApplyOutcome reconciles one normalized charge outcome against the
// payment record and the subscription state machine. It is the single
// write path shared by webhook delivery, scheduler charges, and
// interactive charges, and is idempotent per charge id.
func (s *Service) ApplyOutcome(
	ctx context.Context,
	subscriptionID snowflake.ID,
	kind gatewaydomain.EventKind,
	outcome gatewaydomain.ChargeOutcome,
) (*paymentdomain.Payment, error) {

	if strings.TrimSpace(outcome.ChargeID) == "" {
		return nil, paymentdomain.ErrInvalidCharge
	}

	var (
		stored     *paymentdomain.Payment
		team       snowflake.ID
		transition subscriptiondomain.Transition
		captured   bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subRepo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return paymentdomain.ErrUnknownSubscriber
		}
		team = sub.TeamID

		now := s.clock.Now()
		candidate := s.buildPayment(sub, kind, outcome, now)

		inserted, row, err := s.repo.UpsertByChargeID(ctx, tx, candidate)
		if err != nil {
			return err
		}
		stored = row

		changed := inserted
		if !inserted && stored.Status != candidate.Status {
			s.refreshPayment(stored, candidate, now)
			if err := s.repo.Update(ctx, tx, stored); err != nil {
				return err
			}
			changed = true
		}
		if !changed {
			// Replay of an already-reconciled outcome; nothing to drive.
			return nil
		}

		switch stored.Status {
		case paymentdomain.PaymentStatusCaptured:
			transition = subscriptiondomain.ApplyChargeCaptured(sub, now)
			captured = true
		case paymentdomain.PaymentStatusFailed:
			transition = subscriptiondomain.ApplyChargeFailed(sub, now, subscriptiondomain.DunningConfig{
				RetryOffsetsDays: s.cfg.Billing.RetryOffsetsDays,
				GraceDays:        s.cfg.Billing.GraceDays,
			})
		case paymentdomain.PaymentStatusCancelled:
			// An expired or voided renewal charge counts as a failed
			// attempt, but only against an active subscription; it never
			// deepens dunning already in progress.
			if sub.Status != subscriptiondomain.SubscriptionStatusActive {
				return nil
			}
			transition = subscriptiondomain.ApplyChargeFailed(sub, now, subscriptiondomain.DunningConfig{
				RetryOffsetsDays: s.cfg.Billing.RetryOffsetsDays,
				GraceDays:        s.cfg.Billing.GraceDays,
			})
		default:
			// pending and refunded outcomes update the payment record
			// but never move the subscription.
			return nil
		}

		return s.subRepo.Update(ctx, tx, sub)
	})
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}

	s.afterReconcile(ctx, team, stored, transition, captured)
	return stored, nil
}

func (s *Service) buildPayment(
	sub *subscriptiondomain.Subscription,
	kind gatewaydomain.EventKind,
	outcome gatewaydomain.ChargeOutcome,
	now time.Time,
) *paymentdomain.Payment {

	status := paymentdomain.StatusFromOutcome(outcome.Status)
	if kind == gatewaydomain.EventKindRefund {
		status = paymentdomain.PaymentStatusRefunded
	}

	amount := outcome.Amount
	if amount <= 0 {
		amount = sub.PlanAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(outcome.Currency))
	if currency == "" {
		currency = sub.Currency
	}

	payment := &paymentdomain.Payment{
		ID:               s.genID.Generate(),
		SubscriptionID:   sub.ID,
		TeamID:           sub.TeamID,
		ChargeID:         strings.TrimSpace(outcome.ChargeID),
		Gateway:          sub.Gateway,
		Amount:           amount,
		Currency:         currency,
		Status:           status,
		PaymentMethod:    outcome.PaymentMethod,
		CardLastFour:     outcome.CardLastFour,
		CardBrand:        outcome.CardBrand,
		GatewayReference: outcome.GatewayReference,
		PaymentReference: outcome.PaymentReference,
		FailureReason:    outcome.FailureReason,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if len(outcome.Raw) > 0 {
		payment.GatewayResponse = datatypes.JSON(outcome.Raw)
	}
	switch status {
	case paymentdomain.PaymentStatusCaptured:
		payment.PaidAt = &now
	case paymentdomain.PaymentStatusRefunded:
		payment.RefundedAt = &now
	}
	return payment
}

func (s *Service) refreshPayment(stored, candidate *paymentdomain.Payment, now time.Time) {
	stored.Status = candidate.Status
	stored.FailureReason = candidate.FailureReason
	if candidate.PaymentMethod != "" {
		stored.PaymentMethod = candidate.PaymentMethod
	}
	if candidate.CardLastFour != "" {
		stored.CardLastFour = candidate.CardLastFour
	}
	if candidate.CardBrand != "" {
		stored.CardBrand = candidate.CardBrand
	}
	if candidate.GatewayReference != "" {
		stored.GatewayReference = candidate.GatewayReference
	}
	if candidate.PaymentReference != "" {
		stored.PaymentReference = candidate.PaymentReference
	}
	if len(candidate.GatewayResponse) > 0 {
		stored.GatewayResponse = candidate.GatewayResponse
	}
	switch candidate.Status {
	case paymentdomain.PaymentStatusCaptured:
		stored.PaidAt = &now
	case paymentdomain.PaymentStatusRefunded:
		stored.RefundedAt = &now
	}
	stored.UpdatedAt = now
}

// afterReconcile runs post-commit side effects. Failures here are
// logged, never propagated: the payment and subscription state are
// already durable.
func (s *Service) afterReconcile(
	ctx context.Context,
	teamID snowflake.ID,
	payment *paymentdomain.Payment,
	transition subscriptiondomain.Transition,
	captured bool,
) {

	if s.obsMetrics != nil {
		s.obsMetrics.RecordChargeOutcome(payment.Gateway, string(payment.Status))
	}

	fields := []zap.Field{
		zap.String("team_id", teamID.String()),
		zap.String("subscription_id", payment.SubscriptionID.String()),
		zap.String("charge_id", payment.ChargeID),
		zap.Int64("amount", payment.Amount),
		zap.String("currency", payment.Currency),
	}

	switch payment.Status {
	case paymentdomain.PaymentStatusCaptured:
		s.notifier.Notify(ctx, notify.EventPaymentSucceeded, fields...)
		if transition.Changed {
			s.notifier.Notify(ctx, notify.EventSubscriptionRenewed, fields...)
		}
	case paymentdomain.PaymentStatusFailed:
		s.notifier.Notify(ctx, notify.EventPaymentFailed, fields...)
		if transition.Suspended {
			s.notifier.Notify(ctx, notify.EventSubscriptionSuspended, fields...)
		}
	}

	if captured && s.invoiceSvc != nil {
		if _, err := s.invoiceSvc.CreateForPayment(ctx, payment.ID); err != nil {
			s.log.Error("invoice generation failed",
				zap.String("payment_id", payment.ID.String()),
				zap.Error(err),
			)
		} else if s.obsMetrics != nil {
			s.obsMetrics.RecordInvoiceIssued()
		}
	}
}

// GetByID returns a stored payment.
func (s *Service) GetByID(ctx context.Context, id string) (paymentdomain.Payment, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidCharge
	}
	item, err := s.repo.FindByID(ctx, s.db, parsed)
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if item == nil {
		return paymentdomain.Payment{}, paymentdomain.ErrPaymentNotFound
	}
	return *item, nil
}

// ListBySubscription returns recent payments for a subscription.
func (s *Service) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]paymentdomain.Payment, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(subscriptionID))
	if err != nil {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	return s.repo.ListBySubscription(ctx, s.db, parsed, limit)
}

func (s *Service) chargeSubject(sub *subscriptiondomain.Subscription) gatewaydomain.ChargeSubject {
	subject := gatewaydomain.ChargeSubject{
		SubscriptionID: sub.ID.String(),
		TeamID:         sub.TeamID.String(),
		Amount:         sub.PlanAmount,
		Currency:       sub.Currency,
		Description:    fmt.Sprintf("%s subscription (%s)", sub.PlanCode, sub.BillingInterval),
	}
	if sub.GatewayCustomerID != nil {
		subject.GatewayCustomerID = *sub.GatewayCustomerID
	}
	if sub.PaymentMethodID != nil {
		subject.PaymentMethodID = *sub.PaymentMethodID
	}
	return subject
}

func (s *Service) webhookURL(gateway string) string {
	return s.cfg.PublicBaseURL + "/webhooks/" + gateway
}

// syntheticFailure records a charge attempt the processor never
// answered. The generated charge id keeps the row unique without
// colliding with real processor ids.
func (s *Service) syntheticFailure(sub *subscriptiondomain.Subscription, cause error) *gatewaydomain.ChargeOutcome {
	return &gatewaydomain.ChargeOutcome{
		ChargeID:      fmt.Sprintf("local_%s_%d", sub.ID.String(), s.genID.Generate()),
		Status:        gatewaydomain.ChargeStatusFailed,
		Amount:        sub.PlanAmount,
		Currency:      sub.Currency,
		FailureReason: cause.Error(),
	}
}
