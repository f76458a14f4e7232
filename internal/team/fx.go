package team

import (
	"github.com/smallbiznis/subpay/internal/team/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("team", fx.Provide(repository.Provide))
