package gateway

import (
	"time"

	"github.com/smallbiznis/subpay/internal/config"
	"github.com/smallbiznis/subpay/internal/gateway/adapters"
	"github.com/smallbiznis/subpay/internal/gateway/adapters/fawran"
	"github.com/smallbiznis/subpay/internal/gateway/adapters/paylink"
	"github.com/smallbiznis/subpay/internal/gateway/domain"
	"go.uber.org/fx"
)

// Registry construction is the only place where gateway instances are
// wired. Gateways with no configured secret are left out.
func NewRegistry(cfg config.Config) *adapters.Registry {
	timeout := time.Duration(cfg.Gateways.CallTimeoutSeconds) * time.Second

	var gateways []domain.Gateway
	if cfg.Gateways.FawranSecret != "" {
		gateways = append(gateways, fawran.New(fawran.Config{
			BaseURL:     cfg.Gateways.FawranBaseURL,
			APIKey:      cfg.Gateways.FawranAPIKey,
			Secret:      cfg.Gateways.FawranSecret,
			CallTimeout: timeout,
		}))
	}
	if cfg.Gateways.PaylinkSecret != "" {
		gateways = append(gateways, paylink.New(paylink.Config{
			BaseURL:     cfg.Gateways.PaylinkBaseURL,
			APIKey:      cfg.Gateways.PaylinkAPIKey,
			Secret:      cfg.Gateways.PaylinkSecret,
			CallTimeout: timeout,
		}))
	}

	return adapters.NewRegistry(cfg.Gateways.Default, gateways...)
}

var Module = fx.Module("gateway",
	fx.Provide(NewRegistry),
)
