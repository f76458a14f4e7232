package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subpay/internal/clock"
	"github.com/smallbiznis/subpay/internal/config"
	"github.com/smallbiznis/subpay/internal/gateway/adapters"
	gatewaydomain "github.com/smallbiznis/subpay/internal/gateway/domain"
	subscriptiondomain "github.com/smallbiznis/subpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     subscriptiondomain.Repository
	Registry *adapters.Registry
	Cfg      config.Config
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     subscriptiondomain.Repository
	registry *adapters.Registry
	cfg      config.Config
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		registry: p.Registry,
		cfg:      p.Cfg,
	}
}

func (s *Service) Subscribe(ctx context.Context, req subscriptiondomain.SubscribeRequest) (subscriptiondomain.Subscription, error) {
	teamID, err := parseID(req.TeamID, subscriptiondomain.ErrInvalidTeam)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if strings.TrimSpace(req.PlanCode) == "" || req.PlanAmount <= 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPlan
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidCurrency
	}
	switch req.BillingInterval {
	case subscriptiondomain.BillingIntervalMonthly, subscriptiondomain.BillingIntervalYearly:
	default:
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidInterval
	}

	gatewayName := strings.ToLower(strings.TrimSpace(req.Gateway))
	if gatewayName == "" {
		gw, err := s.registry.Default()
		if err != nil {
			return subscriptiondomain.Subscription{}, err
		}
		gatewayName = gw.Name()
	} else if !s.registry.Exists(gatewayName) {
		return subscriptiondomain.Subscription{}, gatewaydomain.ErrUnsupportedGateway
	}

	existing, err := s.repo.FindByTeamID(ctx, s.db, teamID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if existing != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrTeamAlreadySubscribed
	}

	now := s.clock.Now()
	sub := subscriptiondomain.Subscription{
		ID:              s.genID.Generate(),
		TeamID:          teamID,
		PlanCode:        strings.TrimSpace(req.PlanCode),
		PlanAmount:      req.PlanAmount,
		Currency:        currency,
		BillingInterval: req.BillingInterval,
		AutoRenew:       true,
		Gateway:         gatewayName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if s.cfg.Billing.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, s.cfg.Billing.TrialDays)
		sub.Status = subscriptiondomain.SubscriptionStatusTrial
		sub.TrialEndsAt = &trialEnd
	} else {
		end := sub.BillingInterval.Advance(now)
		sub.Status = subscriptiondomain.SubscriptionStatusActive
		sub.CurrentPeriodStart = &now
		sub.CurrentPeriodEnd = &end
		sub.NextBillingDate = &end
	}

	if err := s.repo.Create(ctx, s.db, &sub); err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("team_id", sub.TeamID.String()),
		zap.String("status", string(sub.Status)),
		zap.String("gateway", sub.Gateway),
	)
	return sub, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	parsed, err := parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	item, err := s.repo.FindByID(ctx, s.db, parsed)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *item, nil
}

func (s *Service) GetByTeamID(ctx context.Context, teamID string) (subscriptiondomain.Subscription, error) {
	parsed, err := parseID(teamID, subscriptiondomain.ErrInvalidTeam)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	item, err := s.repo.FindByTeamID(ctx, s.db, parsed)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *item, nil
}

func (s *Service) Cancel(ctx context.Context, req subscriptiondomain.CancelRequest) (subscriptiondomain.Subscription, error) {
	id, err := parseID(req.SubscriptionID, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	var updated subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		now := s.clock.Now()
		var transition subscriptiondomain.Transition
		if req.Immediate {
			transition = subscriptiondomain.CancelImmediately(sub, now)
		} else {
			transition = subscriptiondomain.CancelAtPeriodEnd(sub, now)
		}

		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		updated = *sub

		s.log.Info("subscription cancellation requested",
			zap.String("subscription_id", sub.ID.String()),
			zap.Bool("immediate", req.Immediate),
			zap.String("from", string(transition.From)),
			zap.String("to", string(transition.To)),
		)
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return updated, nil
}

func (s *Service) Resume(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	parsed, err := parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	var updated subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, parsed)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		if _, err := subscriptiondomain.Resume(sub, s.clock.Now()); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		updated = *sub
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.log.Info("subscription resumed", zap.String("subscription_id", updated.ID.String()))
	return updated, nil
}

// AttachPaymentMethod stores the processor-issued identifiers. A
// subscription is bound to one processor at a time; switching requires
// re-establishing the method against the new processor.
func (s *Service) AttachPaymentMethod(ctx context.Context, id string, gatewayCustomerID, paymentMethodID string) (subscriptiondomain.Subscription, error) {
	parsed, err := parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if paymentMethodID == "" {
		return subscriptiondomain.Subscription{}, gatewaydomain.ErrNoPaymentMethod
	}

	var updated subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, parsed)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		sub.PaymentMethodID = &paymentMethodID
		if trimmed := strings.TrimSpace(gatewayCustomerID); trimmed != "" {
			sub.GatewayCustomerID = &trimmed
		}
		sub.UpdatedAt = s.clock.Now()

		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		updated = *sub
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return updated, nil
}

func parseID(raw string, sentinel error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, sentinel
	}
	return id, nil
}
