package estimate

import (
	"github.com/smallbiznis/tradebill/internal/estimate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("estimate.service",
	fx.Provide(service.NewService),
)
