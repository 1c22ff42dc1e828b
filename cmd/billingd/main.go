// Command billingd serves the billing state engine over HTTP: provider
// webhooks in, quota decisions and subscription state out.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("billingd stopped", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}

	log := logger.New(logger.WithConfig(s.Log))
	logger.SetAsDefault(log)

	a, err := buildApp(ctx, s, log)
	if err != nil {
		return err
	}
	defer a.close()

	srv := httpserver.NewFromConfig(s.HTTP, httpserver.WithLogger(log))
	err = srv.Run(ctx, a.handler)

	// let committed transitions finish notifying before the stores close
	a.wait()
	return err
}
