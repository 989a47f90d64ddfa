package mw

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-coach/pkg/gateway/apierror"
	"github.com/vango-go/vai-coach/pkg/gateway/principal"
	"github.com/vango-go/vai-coach/pkg/gateway/ratelimit"
)

// RateLimit applies the per-client token bucket to /v1 routes. Health
// endpoints are never limited.
func RateLimit(limiter *ratelimit.Limiter, trustProxyHeaders bool, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}

		client := principal.Resolve(r, trustProxyHeaders)
		dec := limiter.AcquireRequest(client.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			apiErr := &apierror.Error{
				Type:    apierror.TypeRateLimit,
				Message: "rate limit exceeded",
			}
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				v := dec.RetryAfter
				apiErr.RetryAfter = &v
			}
			apierror.Write(w, http.StatusTooManyRequests, reqID, apiErr)
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}
