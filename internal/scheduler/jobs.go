package scheduler

import (
	"context"

	"github.com/smallbiznis/subpay/internal/notify"
	obsmetrics "github.com/smallbiznis/subpay/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/subpay/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChargeDueJob claims subscriptions whose next billing date has
// arrived and runs an off-session charge for each. The claim
// transaction commits before any processor call so row locks never
// span network traffic; replays are absorbed by charge-id idempotency.
func (s *Scheduler) ChargeDueJob(ctx context.Context) error {
	now := s.clock.Now()

	var due []subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		due, err = s.subRepo.ClaimDueForBilling(ctx, tx, now, s.cfg.BatchSize)
		return err
	})
	if err != nil {
		return err
	}

	processed := 0
	for i := range due {
		sub := due[i]
		payment, err := s.paymentSvc.ChargeRecurring(ctx, &sub)
		if err != nil {
			s.log.Error("recurring charge failed",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("gateway", sub.Gateway),
				zap.Error(err),
			)
			continue
		}
		if payment == nil {
			// Skipped attempt; the subscription was left untouched.
			continue
		}
		processed++
	}

	obsmetrics.Default().AddBatchProcessed("charge_due", processed)
	return nil
}

// ExpireTrialsJob resolves elapsed trials: converts them when a usable
// payment method exists, expires them otherwise.
func (s *Scheduler) ExpireTrialsJob(ctx context.Context) error {
	now := s.clock.Now()

	var expired []subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := s.subRepo.ClaimElapsedTrials(ctx, tx, now, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for i := range items {
			sub := &items[i]
			transition := subscriptiondomain.SweepTrial(sub, now)
			if !transition.Changed {
				continue
			}
			if err := s.subRepo.Update(ctx, tx, sub); err != nil {
				return err
			}
			if sub.Status == subscriptiondomain.SubscriptionStatusExpired {
				expired = append(expired, *sub)
			}
		}
		obsmetrics.Default().AddBatchProcessed("expire_trials", len(items))
		return nil
	})
	if err != nil {
		return err
	}

	for _, sub := range expired {
		s.notifier.Notify(ctx, notify.EventTrialExpired,
			zap.String("team_id", sub.TeamID.String()),
			zap.String("subscription_id", sub.ID.String()),
		)
	}
	return nil
}

// EndCanceledJob finalizes deferred cancellations whose period has run
// out.
func (s *Scheduler) EndCanceledJob(ctx context.Context) error {
	now := s.clock.Now()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := s.subRepo.ClaimElapsedCancellations(ctx, tx, now, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		processed := 0
		for i := range items {
			sub := &items[i]
			transition := subscriptiondomain.SweepElapsedCancellation(sub, now)
			if !transition.Changed {
				continue
			}
			if err := s.subRepo.Update(ctx, tx, sub); err != nil {
				return err
			}
			processed++
		}
		obsmetrics.Default().AddBatchProcessed("end_canceled", processed)
		return nil
	})
}
