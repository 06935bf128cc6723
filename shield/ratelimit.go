package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rule caps one route at Max requests per client within Window.
type Rule struct {
	Max    int
	Window time.Duration
}

type bucketKey struct {
	ip    string
	route string
}

type window struct {
	hits int
	ends time.Time
}

// RateLimiter is a per-client fixed-window limiter. Rules live in the
// rate_limits table (see Schema), keyed by "METHOD /path"; routes without an
// enabled rule are never limited.
type RateLimiter struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	rules   map[string]Rule
	windows map[bucketKey]*window
}

// NewRateLimiter loads the current rules from db.
func NewRateLimiter(db *sql.DB) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		now:     time.Now,
		logger:  slog.Default(),
		rules:   map[string]Rule{},
		windows: map[bucketKey]*window{},
	}
	rl.Reload(context.Background())
	return rl
}

// StartReloader re-reads the rules every minute and sweeps closed windows
// every fifth pass, until ctx is done.
func (rl *RateLimiter) StartReloader(ctx context.Context) {
	go func() {
		tick := time.NewTicker(time.Minute)
		defer tick.Stop()
		for pass := 1; ; pass++ {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			rl.Reload(ctx)
			if pass%5 == 0 {
				rl.gc()
			}
		}
	}()
}

// Reload swaps in the rules currently in the table. The previous rules stay
// in force when the read fails.
func (rl *RateLimiter) Reload(ctx context.Context) {
	rules, err := rl.load(ctx)
	if err != nil {
		rl.logger.Warn("ratelimit: reload failed, keeping previous rules", "error", err)
		return
	}
	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()
	rl.logger.Debug("ratelimit: rules loaded", "count", len(rules))
}

func (rl *RateLimiter) load(ctx context.Context) (map[string]Rule, error) {
	rows, err := rl.db.QueryContext(ctx,
		`SELECT endpoint, max_requests, window_seconds FROM rate_limits WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("query rate_limits: %w", err)
	}
	defer rows.Close()

	rules := map[string]Rule{}
	for rows.Next() {
		var route string
		var maxReq, secs int
		if err := rows.Scan(&route, &maxReq, &secs); err != nil {
			return nil, fmt.Errorf("scan rate_limits: %w", err)
		}
		if maxReq <= 0 || secs <= 0 {
			rl.logger.Warn("ratelimit: ignoring rule", "endpoint", route, "max_requests", maxReq, "window_seconds", secs)
			continue
		}
		rules[route] = Rule{Max: maxReq, Window: time.Duration(secs) * time.Second}
	}
	return rules, rows.Err()
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, w := range rl.windows {
		if !now.Before(w.ends) {
			delete(rl.windows, k)
		}
	}
}

// allow counts one hit and reports whether it fits the rule. When it does
// not, retry is the wait until the window closes.
func (rl *RateLimiter) allow(ip, route string) (ok bool, retry time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rule, limited := rl.rules[route]
	if !limited {
		return true, 0
	}
	now := rl.now()
	k := bucketKey{ip: ip, route: route}
	w := rl.windows[k]
	if w == nil || !now.Before(w.ends) {
		w = &window{ends: now.Add(rule.Window)}
		rl.windows[k] = w
	}
	w.hits++
	if w.hits <= rule.Max {
		return true, 0
	}
	return false, w.ends.Sub(now)
}

// Middleware answers 429 with a Retry-After header once a client exceeds the
// rule for the route.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		ok, retry := rl.allow(ip, route)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: blocked", "ip", ip, "endpoint", route, "retry_after", retry.String())
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the first X-Forwarded-For hop when present, else the
// host part of RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
