package services

import (
	"crypto/subtle"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"github.com/flashbots/secagg/ledger"
)

// APIKeyHeader carries the operator key on protected endpoints.
const APIKeyHeader = ledger.APIKeyHeader

// RequireAPIKey rejects requests whose API-Key header does not match key
// with 403. An empty key disables the check.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeJSON(w, http.StatusForbidden, &ErrorResponse{Status: "error", Message: "invalid API key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitConfig configures per-participant submission limits.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate. Zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`

	// MaxTracked caps the number of buckets kept. The least recently used
	// bucket is evicted first.
	MaxTracked int `yaml:"max_tracked"`
}

// DefaultRateLimitConfig allows five submissions per minute.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 5, Burst: 5, MaxTracked: defaultMaxTracked}
}

const defaultMaxTracked = 4096

// RateLimiter keeps one token bucket per key. It implements
// protocol.Limiter; the coordinator only asks it about participants whose
// signature has verified.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *lru.Cache
}

// NewRateLimiter returns nil when cfg disables limiting. A nil limiter
// allows everything.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	size := cfg.MaxTracked
	if size <= 0 {
		size = defaultMaxTracked
	}
	// lru.New only fails for a non-positive size.
	buckets, _ := lru.New(size)
	return &RateLimiter{
		limit:   rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:   burst,
		buckets: buckets,
	}
}

// Allow consumes a token for key.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil {
		return true
	}
	limiter := rate.NewLimiter(rl.limit, rl.burst)
	if prev, ok, _ := rl.buckets.PeekOrAdd(key, limiter); ok {
		limiter = prev.(*rate.Limiter)
	}
	rl.buckets.Get(key)
	return limiter.Allow()
}

// Tracked reports how many buckets are held.
func (rl *RateLimiter) Tracked() int {
	if rl == nil {
		return 0
	}
	return rl.buckets.Len()
}
