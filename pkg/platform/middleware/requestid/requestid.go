// Package requestid propagates a correlation id from the caller, or mints one.
package requestid

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"eligibility/pkg/requestcontext"
)

// Header carries the correlation id on requests and responses.
const Header = "X-Request-Id"

const maxLength = 128

// Middleware stores the inbound id in the request context and echoes it on
// the response. Missing or oversized ids are replaced with a fresh UUID.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(Header))
		if id == "" || len(id) > maxLength {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		ctx := requestcontext.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
