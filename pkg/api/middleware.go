package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/settld/kernel/pkg/apierr"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "requestId"
	ctxTenantID  ctxKey = "tenantId"
	ctxOpsScopes ctxKey = "opsScopes"

	// ProtocolVersion is the only x-settld-protocol value this server
	// accepts (§6).
	ProtocolVersion = "1.0"
)

// RequestID returns the request-scoped id injected by requestID, or ""
// outside a request.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

// TenantID returns the tenant extracted from x-proxy-tenant-id, or "".
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(ctxTenantID).(string)
	return v
}

// requestID stamps every request with a uuid, exposed via RequestID and
// echoed on the response so client and server logs correlate.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// protocolVersionGate rejects a request whose x-settld-protocol header names
// a version other than ProtocolVersion (§6: "x-settld-protocol: 1.0"). A
// request without the header, and /health, pass through.
func protocolVersionGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if v := r.Header.Get("x-settld-protocol"); v != "" && v != ProtocolVersion {
			apierr.Write(w, http.StatusBadRequest, apierr.New(apierr.CodeProtocolVersionMismatch,
				"unsupported x-settld-protocol version: "+v))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate extracts the tenant header and, on any route where an
// x-proxy-ops-token header is present, validates it via opsauth and
// records its scopes; the authorization header is not read here. It never
// rejects a request for a missing tenant header by itself — individual
// handlers decide whether their route requires one, matching §6's
// per-route header requirements rather than a single global policy.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxTenantID, r.Header.Get("x-proxy-tenant-id"))

		if opsToken := r.Header.Get("x-proxy-ops-token"); opsToken != "" && s.OpsAuth != nil {
			claims, err := s.OpsAuth.Validate(opsToken, s.now())
			if err != nil {
				apierr.Write(w, http.StatusUnauthorized, apierr.New(apierr.CodeAuthRequired, "invalid ops token"))
				return
			}
			if claims != nil {
				ctx = context.WithValue(ctx, ctxOpsScopes, claims.Scopes)
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantRateLimiter enforces a per-tenant requests-per-second budget.
// Grounded on the teacher's api.GlobalRateLimiter, keyed by tenant instead
// of source IP since every mutating route already carries a tenant header.
type TenantRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewTenantRateLimiter creates a limiter allowing rps requests/sec per
// tenant, with the given burst.
func NewTenantRateLimiter(rps float64, burst int) *TenantRateLimiter {
	return &TenantRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *TenantRateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Middleware rejects requests over budget with a 429. The key is the
// tenant header when present, falling back to remote address when the
// header is absent.
func (rl *TenantRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-proxy-tenant-id")
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = strings.Trim(host, "[]")
		}
		if !rl.limiterFor(key).Allow() {
			apierr.Write(w, http.StatusTooManyRequests, apierr.New(apierr.CodeInternal, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// idempotencyHeaders extracts the request-scoped idempotency fields
// common to every mutating route.
func idempotencyHeaders(r *http.Request) (key, expectedPrevChainHash string) {
	return r.Header.Get("x-idempotency-key"), r.Header.Get("x-proxy-expected-prev-chain-hash")
}
