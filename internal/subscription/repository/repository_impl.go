package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subpay/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var item domain.Subscription
	query := tx.WithContext(ctx).Where("id = ?", id)
	if supportsRowLocks(tx) {
		query = query.Clauses(forUpdate())
	}
	err := query.Limit(1).Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByTeamID(ctx context.Context, db *gorm.DB, teamID snowflake.ID) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Where("team_id = ?", teamID).Limit(1).Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Save(sub).Error
}

func (r *repo) ClaimDueForBilling(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	var items []domain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM subscriptions
		 WHERE status IN (?, ?)
		   AND auto_renew = ?
		   AND payment_method_id IS NOT NULL
		   AND payment_method_id <> ''
		   AND next_billing_date IS NOT NULL
		   AND next_billing_date <= ?
		 ORDER BY next_billing_date, id`+lockSuffix(tx)+`
		 LIMIT ?`,
		domain.SubscriptionStatusActive,
		domain.SubscriptionStatusPastDue,
		true,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ClaimElapsedTrials(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	var items []domain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM subscriptions
		 WHERE status = ?
		   AND trial_ends_at IS NOT NULL
		   AND trial_ends_at <= ?
		 ORDER BY trial_ends_at, id`+lockSuffix(tx)+`
		 LIMIT ?`,
		domain.SubscriptionStatusTrial,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ClaimElapsedCancellations(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	var items []domain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM subscriptions
		 WHERE status IN (?, ?, ?)
		   AND auto_renew = ?
		   AND ends_at IS NOT NULL
		   AND ends_at <= ?
		 ORDER BY ends_at, id`+lockSuffix(tx)+`
		 LIMIT ?`,
		domain.SubscriptionStatusTrial,
		domain.SubscriptionStatusActive,
		domain.SubscriptionStatusPastDue,
		false,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
