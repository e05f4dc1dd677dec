package featureaccess

import (
	"github.com/smallbiznis/dunning/internal/featureaccess/service"
	"go.uber.org/fx"
)

var Module = fx.Module("featureaccess.service",
	fx.Provide(service.NewService),
)
