package main

import (
	"fmt"
	"strings"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/config"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/notify"
	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/redis"
)

// Store backends.
const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendRedis    = "redis"
)

type appConfig struct {
	// memory loses state on restart and must be chosen explicitly
	StoreBackend string   `env:"BILLING_STORE,required"`
	Providers    []string `env:"BILLING_PROVIDERS" envSeparator:"," envDefault:"stripe,paddle"`
	MetricsPath  string   `env:"METRICS_PATH" envDefault:"/metrics"`
}

// settings is everything billingd reads from the environment.
type settings struct {
	App     appConfig
	Log     logger.Config
	HTTP    httpserver.Config
	Billing billing.Config
	PG      pg.Config
	Redis   redis.Config
	Webhook notify.WebhookConfig
	Email   notify.EmailConfig
	Sources map[string]billing.SourceConfig
}

func loadSettings() (settings, error) {
	var s settings
	if err := config.Load(&s.App); err != nil {
		return s, err
	}
	if err := config.Load(&s.Log); err != nil {
		return s, err
	}
	if err := config.Load(&s.HTTP); err != nil {
		return s, err
	}
	if err := config.Load(&s.Billing); err != nil {
		return s, err
	}
	if err := config.Load(&s.Webhook); err != nil {
		return s, err
	}
	if err := config.Load(&s.Email); err != nil {
		return s, err
	}

	// backend configs carry required fields, only load the selected one
	switch s.App.StoreBackend {
	case backendPostgres:
		if err := config.Load(&s.PG); err != nil {
			return s, err
		}
	case backendRedis:
		if err := config.Load(&s.Redis); err != nil {
			return s, err
		}
	case backendMemory:
	default:
		return s, fmt.Errorf("unknown store backend %q", s.App.StoreBackend)
	}

	s.Sources = make(map[string]billing.SourceConfig, len(s.App.Providers))
	for _, name := range s.App.Providers {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		var sc billing.SourceConfig
		if err := config.LoadPrefixed(&sc, billing.SourcePrefix(name)); err != nil {
			return s, fmt.Errorf("provider %s: %w", name, err)
		}
		if sc.Enabled {
			s.Sources[name] = sc
		}
	}
	return s, nil
}
