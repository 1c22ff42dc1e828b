// Package logger builds *slog.Logger instances with functional options,
// environment presets and attribute helpers that keep key names consistent
// across the billing engine.
//
// New picks slog.NewTextHandler or slog.NewJSONHandler based on the
// configured Format and wraps it with LogHandlerDecorator, which adds
// context-scoped attributes to every record:
//
//	log := logger.New(logger.WithConfig(cfg)) // cfg loaded with pkg/config
//	logger.SetAsDefault(log)
//
//	ctx = logger.ContextWithAttrs(ctx,
//	    logger.Provider("stripe"),
//	    logger.EventID(evt.ID),
//	    logger.TenantID(evt.TenantID),
//	)
//	log.InfoContext(ctx, "transition applied", logger.Transition(from, to))
//
// Helpers such as Error, Reason and EventID return an empty slog.Attr for
// zero input, so they can be passed unconditionally.
package logger
