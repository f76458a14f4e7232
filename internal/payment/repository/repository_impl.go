package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subpay/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) UpsertByChargeID(ctx context.Context, tx *gorm.DB, payment *domain.Payment) (bool, *domain.Payment, error) {
	res := tx.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, subscription_id, team_id, charge_id, gateway, amount, currency,
			status, payment_method, card_last_four, card_brand,
			gateway_reference, payment_reference, failure_reason,
			gateway_response, paid_at, refunded_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (charge_id) DO NOTHING`,
		payment.ID,
		payment.SubscriptionID,
		payment.TeamID,
		payment.ChargeID,
		payment.Gateway,
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.PaymentMethod,
		payment.CardLastFour,
		payment.CardBrand,
		payment.GatewayReference,
		payment.PaymentReference,
		payment.FailureReason,
		payment.GatewayResponse,
		payment.PaidAt,
		payment.RefundedAt,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected > 0 {
		return true, payment, nil
	}

	stored, err := r.FindByChargeID(ctx, tx, payment.ChargeID)
	if err != nil {
		return false, nil, err
	}
	if stored == nil {
		return false, nil, domain.ErrPaymentNotFound
	}
	return false, stored, nil
}

func (r *repo) FindByChargeID(ctx context.Context, db *gorm.DB, chargeID string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Where("charge_id = ?", chargeID).Limit(1).Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT *
		 FROM payments
		 WHERE subscription_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		subscriptionID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Save(payment).Error
}
