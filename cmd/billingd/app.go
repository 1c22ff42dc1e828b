package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/billing/httpapi"
	"github.com/dmitrymomot/billingkit/pkg/billing/pgstore"
	"github.com/dmitrymomot/billingkit/pkg/billing/redisstore"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/notify"
	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/redis"
)

// app is the wired service, ready to be served.
type app struct {
	handler    http.Handler
	processors []*billing.Processor
	closers    []func()
}

// wait blocks until in-flight notifications finish.
func (a *app) wait() {
	for _, p := range a.processors {
		p.Wait()
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, s settings, log *slog.Logger) (*app, error) {
	a := &app{}

	store, checks, err := openStore(ctx, s, log, a)
	if err != nil {
		a.close()
		return nil, err
	}

	policy, err := s.Billing.QuotaPolicy()
	if err != nil {
		a.close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := billing.NewMetrics(reg)
	if err != nil {
		a.close()
		return nil, err
	}

	notifier, err := buildNotifier(s, log)
	if err != nil {
		a.close()
		return nil, err
	}

	common := []billing.Option{
		billing.WithLogger(log),
		billing.WithMetrics(metrics),
		billing.WithQuotaPolicy(policy),
		billing.WithConfig(s.Billing),
	}

	enforcer := billing.NewEnforcer(store, common...)
	apiOpts := []httpapi.Option{httpapi.WithLogger(log)}

	names := make([]string, 0, len(s.Sources))
	for name := range s.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		src, err := billing.NewSource(name, s.Sources[name])
		if err != nil {
			a.close()
			return nil, err
		}
		p := billing.NewProcessor(store, src, append(common, billing.WithNotifier(notifier))...)
		a.processors = append(a.processors, p)
		apiOpts = append(apiOpts, httpapi.WithProcessor(p))
		log.InfoContext(ctx, "event source enabled", logger.Provider(name))
	}
	if len(a.processors) == 0 {
		log.WarnContext(ctx, "no event sources enabled, webhooks will be rejected")
	}

	api := httpapi.New(store, enforcer, apiOpts...)

	r := chi.NewRouter()
	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(log, 2*time.Second, checks...))
	r.Handle(s.App.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/", api.Router())
	a.handler = r

	return a, nil
}

func openStore(ctx context.Context, s settings, log *slog.Logger, a *app) (billing.Store, []httpserver.Check, error) {
	switch s.App.StoreBackend {
	case backendPostgres:
		pool, err := pg.Connect(ctx, s.PG)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := pgstore.Migrate(ctx, pool, s.PG, log); err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), []httpserver.Check{{Name: "postgres", Fn: pg.Healthcheck(pool)}}, nil

	case backendRedis:
		client, err := redis.Connect(ctx, s.Redis)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store := redisstore.New(client, redisstore.WithKeyPrefix(s.Redis.KeyPrefix))
		return store, []httpserver.Check{{Name: "redis", Fn: redis.Healthcheck(client)}}, nil

	case backendMemory:
		log.WarnContext(ctx, "using in-memory store, state is lost on restart")
		return billing.NewMemoryStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", s.App.StoreBackend)
}

func buildNotifier(s settings, log *slog.Logger) (billing.Notifier, error) {
	notifiers := []billing.Notifier{notify.NewLogNotifier(log)}

	if s.Webhook.Enabled() {
		n, err := notify.NewWebhookNotifier(s.Webhook, notify.WithWebhookLogger(log))
		if err != nil {
			return nil, errors.Join(errors.New("state change webhook"), err)
		}
		notifiers = append(notifiers, n)
	}
	if s.Email.Enabled() {
		n, err := notify.NewEmailNotifierFromConfig(s.Email, notify.WithEmailLogger(log))
		if err != nil {
			return nil, errors.Join(errors.New("state change email"), err)
		}
		notifiers = append(notifiers, n)
	}
	return notify.Multi(notifiers...), nil
}
