package accountstate

import (
	"github.com/smallbiznis/dunning/internal/accountstate/repository"
	"github.com/smallbiznis/dunning/internal/accountstate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("accountstate.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
