package sequence

import (
	"github.com/smallbiznis/tradebill/internal/sequence/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence.service",
	fx.Provide(service.NewService),
)
