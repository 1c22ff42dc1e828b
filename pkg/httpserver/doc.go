// Package httpserver runs an http.Handler with context-driven graceful
// shutdown and provides liveness and readiness handlers.
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	if err := srv.Run(ctx, router); err != nil {
//	    return err
//	}
//
// Run returns after ctx is cancelled and in-flight requests have drained, or
// after ShutdownTimeout, whichever comes first. ReadinessHandler aggregates
// named dependency probes such as pg.Healthcheck and redis.Healthcheck.
package httpserver
