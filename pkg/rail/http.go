package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// HTTPConfig configures an HTTPAdapter for the sandbox or production mode.
type HTTPConfig struct {
	Mode       Mode
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// Redis backs the idempotency-key -> reserveID cache (§4.9): once a
	// reserve has succeeded, a repeat with the same key returns that
	// reserve's status instead of posting again. Required.
	Redis *redis.Client
	// Limiter paces Reserve calls against the rail; defaults to 5/s with a
	// burst of 5 when nil.
	Limiter *rate.Limiter
	Timeout time.Duration
}

// HTTPAdapter is the sandbox/production Adapter: an HTTP client against a
// custodial stablecoin rail, forwarding the idempotency key as a request
// header, and caching each successful reserve's ID in Redis by that key
// (§4.9).
type HTTPAdapter struct {
	cfg HTTPConfig
}

// NewHTTPAdapter creates an HTTPAdapter. mode must be ModeSandbox or
// ModeProduction; ModeStub belongs to Stub instead.
func NewHTTPAdapter(cfg HTTPConfig) (*HTTPAdapter, error) {
	if cfg.Mode != ModeSandbox && cfg.Mode != ModeProduction {
		return nil, fmt.Errorf("rail: invalid HTTP adapter mode %q", cfg.Mode)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Redis == nil {
		return nil, fmt.Errorf("rail: redis client is required for reconciliation")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Limit(5), 5)
	}
	return &HTTPAdapter{cfg: cfg}, nil
}

func (a *HTTPAdapter) reconcileKey(idempotencyKey string) string {
	return "settld:rail:reserve:" + string(a.cfg.Mode) + ":" + idempotencyKey
}

// Reserve places a reserve hold, consulting the Redis cache first: a key
// whose earlier reserve succeeded returns that reserve's status. The cache
// is written only after a successful response, so when an earlier call's
// response was lost, the retry posts again with the same
// x-idempotency-key header and relies on the rail to deduplicate it.
func (a *HTTPAdapter) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	if cached, err := a.cfg.Redis.Get(ctx, a.reconcileKey(req.IdempotencyKey)).Result(); err == nil && cached != "" {
		return a.GetStatus(ctx, cached)
	}

	if err := a.cfg.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rail: rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var out struct {
		Status    string `json:"status"`
		ReserveID string `json:"reserveId"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/reserve", req.IdempotencyKey, map[string]any{
		"tenantId":    req.TenantID,
		"gateId":      req.GateID,
		"amountCents": req.AmountCents,
		"currency":    req.Currency,
	}, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNeedsReconciliation, err)
	}

	if out.ReserveID != "" {
		if err := a.cfg.Redis.Set(ctx, a.reconcileKey(req.IdempotencyKey), out.ReserveID, 24*time.Hour).Err(); err != nil {
			return nil, fmt.Errorf("rail: cache reserve id: %w", err)
		}
	}
	return &ReserveResult{Status: Status(out.Status), ReserveID: out.ReserveID}, nil
}

func (a *HTTPAdapter) Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var out struct {
		Status string `json:"status"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/release", req.IdempotencyKey, map[string]any{
		"reserveId": req.ReserveID,
	}, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNeedsReconciliation, err)
	}
	return &ReleaseResult{Status: Status(out.Status)}, nil
}

func (a *HTTPAdapter) Void(ctx context.Context, req VoidRequest) (*VoidResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var out struct {
		Status string `json:"status"`
		Method string `json:"method"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/void", req.IdempotencyKey, map[string]any{
		"reserveId": req.ReserveID,
	}, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNeedsReconciliation, err)
	}
	return &VoidResult{Status: Status(out.Status), Method: VoidMethod(out.Method)}, nil
}

func (a *HTTPAdapter) GetStatus(ctx context.Context, reserveID string) (*StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var out struct {
		Status string `json:"status"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/reserves/"+reserveID, "", nil, &out); err != nil {
		return &StatusResult{ReserveID: reserveID, Status: StatusUnknown}, fmt.Errorf("%w: %v", ErrNeedsReconciliation, err)
	}
	return &StatusResult{ReserveID: reserveID, Status: Status(out.Status)}, nil
}

func (a *HTTPAdapter) doJSON(ctx context.Context, method, path, idempotencyKey string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("authorization", "Bearer "+a.cfg.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("x-idempotency-key", idempotencyKey)
	}

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("rail: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ Adapter = (*HTTPAdapter)(nil)
