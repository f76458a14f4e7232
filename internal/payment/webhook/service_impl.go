package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subpay/internal/gateway/adapters"
	gatewaydomain "github.com/smallbiznis/subpay/internal/gateway/domain"
	obsmetrics "github.com/smallbiznis/subpay/internal/observability/metrics"
	paymentservice "github.com/smallbiznis/subpay/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	PaymentSvc *paymentservice.Service
	Registry   *adapters.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service reconciles inbound processor notifications. Authentication
// happens before any state is touched; once a delivery is
// authenticated it is always acknowledged, so processors never retry
// deliveries we have durably observed.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	paymentSvc *paymentservice.Service
	registry   *adapters.Registry
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		paymentSvc: p.PaymentSvc,
		registry:   p.Registry,
		obsMetrics: p.ObsMetrics,
	}
}

// IngestWebhook verifies, parses, and applies one delivery. The error
// contract mirrors the HTTP statuses the caller maps to:
// ErrUnsupportedGateway and ErrInvalidPayload reject the request,
// ErrInvalidSignature rejects it as unauthenticated, and nil
// acknowledges it, including soft failures after authentication.
func (s *Service) IngestWebhook(ctx context.Context, gateway string, payload []byte, headers http.Header) error {
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	gw, err := s.registry.Resolve(gateway)
	if err != nil {
		s.record(gateway, "unknown_gateway")
		return err
	}

	signature := headers.Get(gw.SignatureHeader())
	if err := gw.VerifyWebhookSignature(payload, signature); err != nil {
		if errors.Is(err, gatewaydomain.ErrInvalidPayload) {
			s.record(gateway, "invalid_payload")
			return err
		}
		s.record(gateway, "invalid_signature")
		return gatewaydomain.ErrInvalidSignature
	}

	event, err := gw.ParseWebhook(payload)
	if err != nil {
		if errors.Is(err, gatewaydomain.ErrEventIgnored) {
			s.record(gateway, "ignored")
			return nil
		}
		s.record(gateway, "invalid_payload")
		return gatewaydomain.ErrInvalidPayload
	}

	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(event.SubscriptionID))
	if err != nil {
		// Authenticated but unattributable; acknowledge so the
		// processor stops retrying a delivery we can never apply.
		s.log.Warn("webhook without resolvable subscription",
			zap.String("gateway", gateway),
			zap.String("charge_id", event.Outcome.ChargeID),
		)
		s.record(gateway, "unattributable")
		return nil
	}

	if _, err := s.paymentSvc.ApplyOutcome(ctx, subscriptionID, event.Kind, event.Outcome); err != nil {
		s.log.Error("webhook reconciliation failed",
			zap.String("gateway", gateway),
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("charge_id", event.Outcome.ChargeID),
			zap.Error(err),
		)
		s.record(gateway, "error")
		return nil
	}

	s.record(gateway, "accepted")
	return nil
}

func (s *Service) record(gateway, result string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookEvent(gateway, result)
	}
}
