package requestid

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/logger"
)

const (
	Header      = "X-Request-ID"
	maxIDLength = 128
)

var validIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Middleware resolves the request id from headers (Header when none are
// given), echoes it in the response Header and stores it both in the request
// context and in the log attributes of that context.
func Middleware(headers ...string) func(http.Handler) http.Handler {
	if len(headers) == 0 {
		headers = []string{Header}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := resolve(r.Header, headers)
			w.Header().Set(Header, requestID)

			ctx := WithContext(r.Context(), requestID)
			ctx = logger.ContextWithAttrs(ctx, logger.RequestID(requestID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolve(h http.Header, names []string) string {
	for _, name := range names {
		if id := h.Get(name); isValidRequestID(id) {
			return id
		}
	}
	return uuid.New().String()
}

func isValidRequestID(id string) bool {
	if len(id) == 0 || len(id) > maxIDLength {
		return false
	}
	return validIDRegex.MatchString(id)
}
