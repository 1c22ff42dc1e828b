// Package httpapi exposes the billing engine over HTTP with chi.
//
//	POST /webhooks/{provider}              provider event delivery
//	GET  /tenants/{tenantID}/subscription  current subscription
//	GET  /tenants/{tenantID}/usage         usage of the current period
//	POST /tenants/{tenantID}/usage         consume quota: {"amount": 1}
//	GET  /tenants/{tenantID}/audit         audit log: ?from=&to=&limit=&offset=
//
// Webhook responses follow the retry contract of the providers: 200 once the
// event is durably handled (applied, duplicate, ignored or unknown), 4xx for
// deliveries that will never succeed and 503 for transient failures the
// provider should retry.
package httpapi
