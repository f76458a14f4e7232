package migration

import (
	"github.com/smallbiznis/subpay/internal/config"
	invoicedomain "github.com/smallbiznis/subpay/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/subpay/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/subpay/internal/subscription/domain"
	teamdomain "github.com/smallbiznis/subpay/internal/team/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// sqlite (local and test runs) takes the model-derived
			// schema; versioned SQL targets postgres.
			return conn.AutoMigrate(
				&teamdomain.Team{},
				&subscriptiondomain.Subscription{},
				&paymentdomain.Payment{},
				&invoicedomain.Invoice{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
