package pgstore

import (
	"context"
	"embed"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billingkit/pkg/pg"
)

// Migrations holds the goose migrations creating the billing tables.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Migrate applies the embedded migrations. cfg.MigrationsPath is ignored;
// cfg.MigrationsTable still names the goose version table.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg pg.Config, log *slog.Logger) error {
	cfg.MigrationsPath = "migrations"
	return pg.Migrate(ctx, pool, cfg, log, pg.WithMigrationsFS(Migrations))
}
