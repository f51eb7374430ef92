package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tradebill/internal/clock"
	"github.com/smallbiznis/tradebill/internal/config"
	"github.com/smallbiznis/tradebill/internal/estimate"
	"github.com/smallbiznis/tradebill/internal/invoice"
	"github.com/smallbiznis/tradebill/internal/migration"
	"github.com/smallbiznis/tradebill/internal/recurring"
	"github.com/smallbiznis/tradebill/internal/scheduler"
	"github.com/smallbiznis/tradebill/internal/sequence"
	"github.com/smallbiznis/tradebill/internal/server"
	"github.com/smallbiznis/tradebill/pkg/db"
	"github.com/smallbiznis/tradebill/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		sequence.Module,
		invoice.Module,
		estimate.Module,
		recurring.Module,

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
