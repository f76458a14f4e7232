package payment

import (
	"github.com/smallbiznis/subpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/subpay/internal/payment/service"
	"github.com/smallbiznis/subpay/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
