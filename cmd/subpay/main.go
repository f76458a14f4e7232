package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subpay/internal/clock"
	"github.com/smallbiznis/subpay/internal/config"
	"github.com/smallbiznis/subpay/internal/gateway"
	"github.com/smallbiznis/subpay/internal/invoice"
	"github.com/smallbiznis/subpay/internal/logger"
	"github.com/smallbiznis/subpay/internal/migration"
	"github.com/smallbiznis/subpay/internal/notify"
	"github.com/smallbiznis/subpay/internal/payment"
	"github.com/smallbiznis/subpay/internal/providers/pdf"
	"github.com/smallbiznis/subpay/internal/scheduler"
	"github.com/smallbiznis/subpay/internal/server"
	"github.com/smallbiznis/subpay/internal/subscription"
	"github.com/smallbiznis/subpay/internal/team"
	"github.com/smallbiznis/subpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		gateway.Module,
		team.Module,
		notify.Module,
		subscription.Module,
		payment.Module,
		invoice.Module,
		pdf.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
