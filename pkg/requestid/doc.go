// Package requestid tags every HTTP request with an identifier and makes it
// available to handlers and to loggers built by pkg/logger.
//
// The id is taken from the first configured header that carries a valid
// value, so a provider's delivery id can be used as the request id of a
// webhook call. Otherwise a new UUID is generated.
//
//	r.Use(requestid.Middleware(requestid.Header, webhook.HeaderID))
//
// Values longer than 128 bytes or containing anything except letters,
// digits, dash and underscore are ignored.
package requestid
