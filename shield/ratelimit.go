package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/licita/netsafe"
)

// CallerHeader identifies the caller a request acts for. Its value scopes
// cache entries downstream, so it also scopes rate limit buckets here.
const CallerHeader = "X-Caller-ID"

// RateLimitConfig defines the rate limit for a single endpoint.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

func (c RateLimitConfig) window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter applies fixed-window limits per client and endpoint, with
// rules from the rate_limits table (see Schema). Endpoints are keyed
// "METHOD /path". A client is its X-Caller-ID when the header is a valid
// identifier and its IP otherwise.
type RateLimiter struct {
	db      *sql.DB
	rules   map[string]RateLimitConfig
	buckets sync.Map
	mu      sync.RWMutex
	exclude []string
	now     func() time.Time
}

// NewRateLimiter loads the rules from db. Call StartReloader to refresh them
// and collect expired buckets.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		rules:   make(map[string]RateLimitConfig),
		exclude: excludePrefixes,
		now:     time.Now,
	}
	rl.reload()
	return rl
}

// StartReloader reloads rules every minute and drops expired buckets every
// five. It stops when done is closed.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	reloadTick := time.NewTicker(time.Minute)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-done:
				return
			case <-reloadTick.C:
				rl.reload()
			case <-gcTick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) reload() {
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit: failed to reload rules", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]RateLimitConfig)
	for rows.Next() {
		var endpoint string
		var cfg RateLimitConfig
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &cfg.Enabled); err != nil {
			slog.Warn("ratelimit: bad rule row", "error", err)
			continue
		}
		rules[endpoint] = cfg
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// allow counts one request from client against endpoint. When the window is
// exhausted it reports how long until the window resets.
func (rl *RateLimiter) allow(client, endpoint string) (bool, time.Duration) {
	rl.mu.RLock()
	cfg, ok := rl.rules[endpoint]
	rl.mu.RUnlock()
	if !ok || !cfg.Enabled {
		return true, 0
	}

	now := rl.now()
	val, _ := rl.buckets.LoadOrStore(client+"|"+endpoint, &bucket{resetAt: now.Add(cfg.window())})
	b := val.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(cfg.window())
	}
	b.count++
	if b.count <= cfg.MaxRequests {
		return true, 0
	}
	return false, b.resetAt.Sub(now)
}

// Middleware enforces the rules. Blocked requests get a 429 JSON body and a
// Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		client := ClientKey(r)
		ok, wait := rl.allow(client, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: request blocked", "client", client, "endpoint", endpoint, "retry_after", wait)

		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "rate_limit_exceeded",
		})
	})
}

// ClientKey names the bucket owner: "caller:<id>" for a valid X-Caller-ID,
// "ip:<addr>" otherwise.
func ClientKey(r *http.Request) string {
	if id := r.Header.Get(CallerHeader); id != "" && netsafe.ValidateIdentifier(id) == nil {
		return "caller:" + id
	}
	return "ip:" + ExtractIP(r)
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
