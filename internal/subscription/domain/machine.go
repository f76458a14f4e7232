package domain

import (
	"time"
)

// DunningConfig carries the retry schedule constants. These are
// configuration, never signals from a processor.
type DunningConfig struct {
	// RetryOffsetsDays is indexed by the retry count after a failure;
	// walking past the end suspends the subscription.
	RetryOffsetsDays []int
	GraceDays        int
}

// Transition describes the effect of applying a charge outcome or a
// time-driven sweep to a subscription.
type Transition struct {
	From      SubscriptionStatus
	To        SubscriptionStatus
	Changed   bool
	Suspended bool
	RetryAt   *time.Time
}

// ApplyChargeCaptured drives the success transition. Applying it to an
// already-active subscription is a refresh of billing timestamps, not
// an error; terminal subscriptions record the payment but do not move.
func ApplyChargeCaptured(sub *Subscription, now time.Time) Transition {
	t := Transition{From: sub.Status, To: sub.Status}
	if !sub.Status.Billable() {
		return t
	}

	switch sub.Status {
	case SubscriptionStatusTrial:
		start := now
		end := sub.BillingInterval.Advance(start)
		sub.Status = SubscriptionStatusActive
		sub.TrialEndsAt = nil
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
		sub.NextBillingDate = &end
	case SubscriptionStatusActive, SubscriptionStatusPastDue:
		// Advance by one interval from the prior period end, not from
		// now, so late recoveries do not drift the anchor date.
		start := now
		if sub.CurrentPeriodEnd != nil {
			start = *sub.CurrentPeriodEnd
		}
		end := sub.BillingInterval.Advance(start)
		sub.Status = SubscriptionStatusActive
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
		sub.NextBillingDate = &end
	}

	sub.RetryCount = 0
	sub.GracePeriodEndsAt = nil
	sub.LastPaymentAt = &now
	sub.UpdatedAt = now

	t.To = sub.Status
	t.Changed = t.From != t.To
	return t
}

// ApplyChargeFailed drives the dunning path. Each failure increments
// the retry counter and re-arms the grace window; when the counter
// walks past the retry schedule the subscription is suspended.
func ApplyChargeFailed(sub *Subscription, now time.Time, cfg DunningConfig) Transition {
	t := Transition{From: sub.Status, To: sub.Status}
	switch sub.Status {
	case SubscriptionStatusActive, SubscriptionStatusPastDue:
	default:
		return t
	}

	next := sub.RetryCount + 1
	if next > len(cfg.RetryOffsetsDays) {
		sub.Status = SubscriptionStatusCanceled
		sub.CanceledAt = &now
		sub.EndsAt = &now
		sub.GracePeriodEndsAt = nil
		sub.NextBillingDate = nil
		sub.UpdatedAt = now
		t.To = sub.Status
		t.Changed = true
		t.Suspended = true
		return t
	}

	retryAt := now.AddDate(0, 0, cfg.RetryOffsetsDays[next-1])
	grace := now.AddDate(0, 0, cfg.GraceDays)

	sub.Status = SubscriptionStatusPastDue
	sub.RetryCount = next
	sub.GracePeriodEndsAt = &grace
	sub.NextBillingDate = &retryAt
	sub.UpdatedAt = now

	t.To = sub.Status
	t.Changed = t.From != t.To
	t.RetryAt = &retryAt
	return t
}

// CancelImmediately ends the subscription now.
func CancelImmediately(sub *Subscription, now time.Time) Transition {
	t := Transition{From: sub.Status, To: SubscriptionStatusCanceled}
	sub.Status = SubscriptionStatusCanceled
	sub.AutoRenew = false
	sub.CanceledAt = &now
	sub.EndsAt = &now
	sub.GracePeriodEndsAt = nil
	sub.NextBillingDate = nil
	sub.UpdatedAt = now
	t.Changed = t.From != t.To
	return t
}

// CancelAtPeriodEnd schedules the cancellation for the period boundary.
// Status is left unchanged until the period actually elapses.
func CancelAtPeriodEnd(sub *Subscription, now time.Time) Transition {
	t := Transition{From: sub.Status, To: sub.Status}
	sub.AutoRenew = false
	sub.CanceledAt = &now
	if sub.CurrentPeriodEnd != nil {
		endsAt := *sub.CurrentPeriodEnd
		sub.EndsAt = &endsAt
	} else {
		sub.EndsAt = &now
	}
	sub.UpdatedAt = now
	return t
}

// Resume re-enables a canceled subscription, permitted only while
// endsAt has not yet passed.
func Resume(sub *Subscription, now time.Time) (Transition, error) {
	t := Transition{From: sub.Status, To: sub.Status}

	switch sub.Status {
	case SubscriptionStatusCanceled:
		if sub.EndsAt == nil || !sub.EndsAt.After(now) {
			return t, ErrResumeWindowPassed
		}
		sub.Status = SubscriptionStatusActive
	case SubscriptionStatusTrial, SubscriptionStatusActive, SubscriptionStatusPastDue:
		// A deferred cancellation was requested; undo it.
		if sub.AutoRenew {
			return t, ErrNotCanceled
		}
	default:
		return t, ErrResumeWindowPassed
	}

	sub.AutoRenew = true
	sub.CanceledAt = nil
	sub.EndsAt = nil
	if sub.NextBillingDate == nil && sub.CurrentPeriodEnd != nil {
		end := *sub.CurrentPeriodEnd
		sub.NextBillingDate = &end
	}
	sub.UpdatedAt = now

	t.To = sub.Status
	t.Changed = t.From != t.To
	return t, nil
}

// SweepTrial resolves an elapsed trial: converts it when a usable
// payment method with a prior successful charge exists, expires it
// otherwise.
func SweepTrial(sub *Subscription, now time.Time) Transition {
	t := Transition{From: sub.Status, To: sub.Status}
	if sub.Status != SubscriptionStatusTrial {
		return t
	}
	if sub.TrialEndsAt == nil || sub.TrialEndsAt.After(now) {
		return t
	}

	if sub.PaymentMethodID != nil && *sub.PaymentMethodID != "" && sub.LastPaymentAt != nil {
		start := *sub.TrialEndsAt
		end := sub.BillingInterval.Advance(start)
		sub.Status = SubscriptionStatusActive
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
		sub.NextBillingDate = &end
	} else {
		sub.Status = SubscriptionStatusExpired
		sub.EndsAt = &now
		sub.NextBillingDate = nil
	}
	sub.TrialEndsAt = nil
	sub.UpdatedAt = now

	t.To = sub.Status
	t.Changed = t.From != t.To
	return t
}

// SweepElapsedCancellation finalizes a deferred cancellation whose
// period has run out.
func SweepElapsedCancellation(sub *Subscription, now time.Time) Transition {
	t := Transition{From: sub.Status, To: sub.Status}
	if sub.AutoRenew || !sub.Status.Billable() {
		return t
	}
	if sub.EndsAt == nil || sub.EndsAt.After(now) {
		return t
	}

	sub.Status = SubscriptionStatusCanceled
	sub.GracePeriodEndsAt = nil
	sub.NextBillingDate = nil
	sub.UpdatedAt = now

	t.To = sub.Status
	t.Changed = t.From != t.To
	return t
}
