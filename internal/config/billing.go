package config

// BillingConfig carries the dunning and trial constants for the
// subscription state machine. The retry schedule and grace window are
// configuration, not signals from any processor.
type BillingConfig struct {
	// TrialDays grants a trial on subscribe when > 0.
	TrialDays int

	// RetryOffsetsDays is the dunning schedule: the offset in days of
	// the next retry, indexed by the retry count after a failed charge.
	// Once the count walks past the end of the schedule the
	// subscription is suspended instead of retried.
	RetryOffsetsDays []int

	// GraceDays is how long a past_due subscription stays usable after
	// each failed charge.
	GraceDays int
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		TrialDays:        getenvInt("BILLING_TRIAL_DAYS", 14),
		RetryOffsetsDays: []int{0, 3, 7},
		GraceDays:        getenvInt("BILLING_GRACE_DAYS", 10),
	}
}
