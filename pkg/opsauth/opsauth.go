// Package opsauth validates the ops-scoped bearer tokens consulted by the
// routes §6 calls "ops-scope" (escalation resolution, reversal commands,
// rail-mode overrides): a token is first matched against the static
// PROXY_OPS_TOKENS list, and otherwise, whenever PROXY_OPS_JWT_SIGNING_KEY
// is configured, validated as a JWT signed with that key (pkg/config).
// pkg/api's authenticate middleware calls Validate on every request that
// carries an x-proxy-ops-token header.
//
// Pattern grounded on the teacher's core/pkg/auth.JWTValidator: parse with
// claims, require token.Valid, fail closed on any error.
package opsauth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any token that fails every configured
// validation path. The caller should map it to 401, never leak which path
// was attempted.
var ErrUnauthorized = errors.New("opsauth: invalid ops token")

// Claims are the JWT claims an ops-scoped bearer token carries.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenantId"`
	Scopes   []string `json:"scopes"`
}

// HasScope reports whether the token's claims grant scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator validates ops-scope bearer tokens against a static token list,
// a JWT signing key, or both. A zero Validator rejects every token (fail
// closed), matching the teacher's "nil validator rejects non-public
// requests" posture in core/pkg/auth.NewMiddleware.
type Validator struct {
	StaticTokens  []string
	JWTSigningKey []byte
}

// NewValidator builds a Validator from pkg/config's OpsTokens and
// JWTSigningKey fields. Either or both may be empty.
func NewValidator(staticTokens []string, jwtSigningKey string) *Validator {
	v := &Validator{StaticTokens: staticTokens}
	if jwtSigningKey != "" {
		v.JWTSigningKey = []byte(jwtSigningKey)
	}
	return v
}

// Validate checks a bearer token against the static list first (constant-
// time comparison), then against the JWT signing key if configured. It
// returns the JWT claims when validation succeeded via the JWT path, or nil
// when it succeeded via the static-token path (static tokens carry no
// tenant/scope claims of their own).
func (v *Validator) Validate(token string, now time.Time) (*Claims, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	for _, t := range v.StaticTokens {
		if t == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return nil, nil
		}
	}

	if len(v.JWTSigningKey) == 0 {
		return nil, ErrUnauthorized
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("opsauth: unexpected signing method %v", t.Header["alg"])
		}
		return v.JWTSigningKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}
