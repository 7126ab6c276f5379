package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/AngelP17/YieldOps/internal/idempotency"
	"github.com/AngelP17/YieldOps/internal/observability"
)

// responseRecorder captures status and body so a completed response
// can be replayed for idempotent retries.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the cached response for a repeated
// Idempotency-Key. Requests without the header pass through.
func (s *Server) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || s.idem == nil {
			next.ServeHTTP(w, r)
			return
		}

		cached, found, err := s.idem.Get(r.Context(), key)
		if err != nil {
			s.logger.Warn().Err(err).Msg("idempotency lookup failed, executing request")
		} else if found {
			for k, vals := range cached.Header {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			w.Write(cached.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		if err := s.idem.Set(r.Context(), key, &idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Header:     rec.Header().Clone(),
		}); err != nil {
			s.logger.Warn().Err(err).Msg("idempotency store failed")
		}
	})
}

// withRateLimit rejects requests above the limiter's rate with a
// jittered Retry-After so stampeding clients spread out.
func (s *Server) withRateLimit(limiter *rate.Limiter, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				observability.HTTPRateLimited.WithLabelValues(scope).Inc()
				retryAfterMS := 1000 + s.rng.Intn(1000)
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterMS/1000))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withMetrics counts every request by method and status and logs the
// outcome with the request id.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
