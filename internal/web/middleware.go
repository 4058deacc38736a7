package web

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ao/workbench/pkg/api"
)

// APIKeyHeader is the header carrying the control-plane API key.
const APIKeyHeader = "X-API-Key"

// authMiddleware rejects requests without a recognized API key and stores
// the key on the context for rate limiting.
func (s *Server) authMiddleware() gin.HandlerFunc {
	keys := make(map[string]bool, len(s.apiKeys))
	for _, key := range s.apiKeys {
		keys[key] = true
	}

	return func(c *gin.Context) {
		key := c.GetHeader(APIKeyHeader)
		if key == "" || !keys[key] {
			s.respondError(c, api.NewError(api.CodeAuthenticationFailed,
				"missing or invalid API key"))
			return
		}
		c.Set("api_key", key)
		c.Next()
	}
}

// rateLimitMiddleware applies the per-key fixed-window limit. The limit,
// remaining, and reset headers are set on every response regardless of the
// allow/deny outcome; Retry-After is added only on rejection.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("api_key")
		result := s.limiter.Check(key)

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", result.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", result.ResetAt.Unix()))

		if !result.Allowed {
			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			s.respondError(c, api.Errorf(api.CodeRateLimitExceeded,
				"rate limit exceeded, retry in %ds", retryAfter))
			return
		}

		c.Next()
	}
}

// requestIDMiddleware tags every request with an id for log correlation. An
// incoming X-Request-ID is honored so ids survive proxy hops.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// responseTimeMiddleware records handler latency on the response. The header
// is written by a wrapped writer just before the first body byte, so it
// survives streaming handlers that flush mid-request.
func responseTimeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer = &timedWriter{ResponseWriter: c.Writer, start: time.Now()}
		c.Next()
	}
}

type timedWriter struct {
	gin.ResponseWriter
	start time.Time
}

func (w *timedWriter) stamp() {
	if !w.Written() {
		w.Header().Set("X-Response-Time", time.Since(w.start).String())
	}
}

func (w *timedWriter) WriteHeader(code int) {
	w.stamp()
	w.ResponseWriter.WriteHeader(code)
}

func (w *timedWriter) Write(b []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(b)
}

func (w *timedWriter) WriteString(s string) (int, error) {
	w.stamp()
	return w.ResponseWriter.WriteString(s)
}
