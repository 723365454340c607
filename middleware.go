package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/consentvault/internal/consent"
	"github.com/example/consentvault/internal/metrics"
)

type ctxKey int

const (
	identityKey ctxKey = iota
	partnerKey
)

func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func partnerFrom(ctx context.Context) *Partner {
	p, _ := ctx.Value(partnerKey).(*Partner)
	return p
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// UserAuth requires a valid bearer JWT and stores the caller's Identity.
func (a *App) UserAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Bearer token required")
			return
		}
		id, err := parseAccessToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects callers whose token does not carry role.
func RequireRole(role string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identityFrom(r.Context())
			if !ok || id.Role != role {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PartnerAPIKeyAuth middleware validates partner API keys
func (a *App) PartnerAPIKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "API key required")
			return
		}
		partner, err := a.validateAPIKey(r.Context(), apiKey)
		if err != nil {
			a.writeInternal(w, r, "Failed to validate API key", err)
			return
		}
		if partner == nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), partnerKey, partner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserOrPartnerAuth accepts either a partner API key or a user bearer token.
func (a *App) UserOrPartnerAuth(next http.Handler) http.Handler {
	partnerAuth := a.PartnerAPIKeyAuth(next)
	userAuth := a.UserAuth(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "" {
			partnerAuth.ServeHTTP(w, r)
			return
		}
		userAuth.ServeHTTP(w, r)
	})
}

// validateAPIKey returns the partner owning apiKey, or nil when the key does
// not match a usable credential of a partner allowed to call the API.
func (a *App) validateAPIKey(ctx context.Context, apiKey string) (*Partner, error) {
	// Get prefix to narrow down candidates
	creds, err := a.DB.GetCredentialsByPrefix(ctx, getAPIKeyPrefix(apiKey))
	if err != nil {
		return nil, err
	}
	now := a.now()
	for _, c := range creds {
		if !c.Usable(now) || !compareAPIKey(c.KeyHash, apiKey) {
			continue
		}
		p, err := a.DB.GetPartnerByID(ctx, c.PartnerID)
		if err != nil {
			return nil, err
		}
		if p == nil || !p.Status.CanCallAPI() {
			return nil, nil
		}
		return p, nil
	}
	return nil, nil
}

// CORS middleware handles CORS headers. Once a partner is authenticated only
// its allowed origins are echoed back.
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var allowedOrigins []string
		if p := partnerFrom(r.Context()); p != nil {
			allowedOrigins = p.AllowedOrigins
		}

		if origin := r.Header.Get("Origin"); origin != "" {
			allowed := len(allowedOrigins) == 0
			for _, o := range allowedOrigins {
				if o == origin || o == "*" {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				w.Header().Del("Access-Control-Allow-Origin")
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Timestamp, X-Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimiter implements per-partner rate limiting
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// getLimiter returns the partner's limiter. A changed limit replaces the
// limiter, so the new rate starts with a full bucket.
func (rl *RateLimiter) getLimiter(partnerID string, limitPerMinute int) *rate.Limiter {
	perSecond := rate.Limit(limitPerMinute) / 60

	rl.mu.RLock()
	limiter, exists := rl.limiters[partnerID]
	rl.mu.RUnlock()
	if exists && limiter.Limit() == perSecond && limiter.Burst() == limitPerMinute {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	// Double-check after acquiring write lock
	limiter, exists = rl.limiters[partnerID]
	if !exists || limiter.Limit() != perSecond || limiter.Burst() != limitPerMinute {
		limiter = rate.NewLimiter(perSecond, limitPerMinute)
		rl.limiters[partnerID] = limiter
	}
	return limiter
}

// RateLimit middleware enforces rate limits per partner
func (a *App) RateLimit(next http.Handler) http.Handler {
	if a.rateLimiter == nil {
		a.rateLimiter = NewRateLimiter()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := partnerFrom(r.Context())
		if p == nil {
			next.ServeHTTP(w, r)
			return
		}

		limit := p.RateLimitPerMinute
		if limit <= 0 {
			limit = a.defaultRateLimit
		}
		if !a.rateLimiter.getLimiter(p.ID, limit).Allow() {
			metrics.RateLimitExceededTotal.Inc()
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientInfo makes the caller's address and user agent available to audit entries.
func ClientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := consent.WithClient(r.Context(), clientIP(r), r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Logging middleware logs requests and records HTTP metrics by route template.
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())

		a.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", duration),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
