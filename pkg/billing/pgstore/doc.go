// Package pgstore implements billing.Store on PostgreSQL with pgx.
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	if err := pgstore.Migrate(ctx, pool, cfg, log); err != nil {
//		return err
//	}
//	store := pgstore.New(pool)
//
// Subscriptions are versioned rows updated with a compare-and-set on the
// version column. The processed events table has a primary key on
// (provider, event_id); reservations use INSERT ... ON CONFLICT DO NOTHING so a
// concurrent duplicate waits for the first transaction and then sees the row.
package pgstore
