// Package pg bootstraps PostgreSQL access with pgx/v5: a retrying pool
// constructor, goose migrations (from disk or an embedded FS), a health probe
// and SQLSTATE classification helpers.
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//	    return err
//	}
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, log, pg.WithMigrationsFS(pgstore.Migrations)); err != nil {
//	    return err
//	}
//
// Error helpers such as IsDuplicateKeyError and IsSerializationError unwrap
// *pgconn.PgError so stores can translate driver failures into domain errors.
package pg
