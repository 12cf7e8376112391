package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tollbooth "github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth/v6/limiter"
	"github.com/pieter-berkel/storageflow/protocol"
	"github.com/rs/zerolog"
)

// NewRateLimiter returns a per client limiter allowing rps requests per
// second. Idle client buckets expire after ttl.
func NewRateLimiter(rps float64, ttl time.Duration) *limiter.Limiter {
	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lmt.SetIPLookups([]string{"X-Forwarded-For", "X-Real-IP", "RemoteAddr"})
	return lmt
}

// RateLimit rejects requests over the limit with a TOO_MANY_REQUESTS error
// envelope. A nil limiter lets every request through.
func RateLimit(lmt *limiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if lmt == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keys := tollbooth.BuildKeys(lmt, r)
			for _, k := range keys {
				httpError := tollbooth.LimitByKeys(lmt, k)
				if httpError == nil {
					continue
				}
				zerolog.Ctx(r.Context()).Warn().
					Str("remote", r.RemoteAddr).
					Msg("rate limit reached")

				w.Header().Add("X-Rate-Limit-Limit", fmt.Sprintf("%.2f", lmt.GetMax()))
				w.Header().Add("X-Rate-Limit-Duration", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				resp := protocol.NewErrorResponse(protocol.NewError(protocol.KindTooManyRequests, "%s", httpError.Message))
				_ = json.NewEncoder(w).Encode(resp)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
