package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/config"
	"github.com/smallbiznis/dunning/internal/migration"
	"github.com/smallbiznis/dunning/internal/observability"
	"github.com/smallbiznis/dunning/internal/scheduler"
	"github.com/smallbiznis/dunning/internal/seed"
	"github.com/smallbiznis/dunning/internal/server"
	"github.com/smallbiznis/dunning/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP surface and the domain services behind it
		server.Module,
		scheduler.Module,

		fx.Invoke(BootstrapOperator),
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

// BootstrapOperator creates the first admin operator when BOOTSTRAP_OPERATOR_EMAIL is set.
func BootstrapOperator(lc fx.Lifecycle, cfg config.Config, conn *gorm.DB, node *snowflake.Node, log *zap.Logger) {
	if cfg.BootstrapOperatorEmail == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			id, created, err := seed.EnsureOperator(ctx, conn, node, cfg.BootstrapOperatorEmail, "admin")
			if err != nil {
				return err
			}
			if created {
				log.Info("bootstrap operator created",
					zap.String("operator_id", id.String()),
					zap.String("email", cfg.BootstrapOperatorEmail),
				)
			}
			return nil
		},
	})
}
