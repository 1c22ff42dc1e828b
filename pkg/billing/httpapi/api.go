package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/requestid"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

// DefaultMaxBodySize caps webhook payloads.
const DefaultMaxBodySize int64 = 1 << 20

// API serves the billing HTTP surface. Construct it with New.
type API struct {
	store       billing.Store
	enforcer    *billing.Enforcer
	audit       billing.AuditReader
	processors  map[string]*billing.Processor
	extractors  map[string]SignatureExtractor
	logger      *slog.Logger
	maxBodySize int64
}

// Option configures an API.
type Option func(*API)

// WithProcessor mounts p under /webhooks/{p.Provider()}.
func WithProcessor(p *billing.Processor) Option {
	return func(a *API) {
		if p != nil {
			a.processors[p.Provider()] = p
		}
	}
}

// WithSignatureExtractor overrides how signatures are read for provider.
func WithSignatureExtractor(provider string, fn SignatureExtractor) Option {
	return func(a *API) {
		if fn != nil {
			a.extractors[provider] = fn
		}
	}
}

// WithAuditReader replaces the default audit reader built on the store.
func WithAuditReader(r billing.AuditReader) Option {
	return func(a *API) {
		if r != nil {
			a.audit = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMaxBodySize caps webhook payloads. Non-positive values are ignored.
func WithMaxBodySize(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodySize = n
		}
	}
}

// New panics if store or enforcer is nil.
func New(store billing.Store, enforcer *billing.Enforcer, opts ...Option) *API {
	if store == nil || enforcer == nil {
		panic("httpapi: store and enforcer are required")
	}
	a := &API{
		store:       store,
		enforcer:    enforcer,
		processors:  make(map[string]*billing.Processor),
		extractors:  make(map[string]SignatureExtractor),
		logger:      slog.Default(),
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = billing.NewAuditLog(store)
	}
	return a
}

// Router returns the chi router with every route mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestid.Middleware(requestid.Header, webhook.HeaderID))

	r.Post("/webhooks/{provider}", a.handleWebhook)
	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Get("/subscription", a.handleSubscription)
		r.Get("/usage", a.handleUsage)
		r.Post("/usage", a.handleConsume)
		r.Get("/audit", a.handleAudit)
	})
	return r
}

// ServeHTTP lets the API be used directly as a handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Router().ServeHTTP(w, r)
}
