package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/botwall/botwall/core"
	"github.com/botwall/botwall/ports"
)

// RateWindowTTL is the fixed window length.
const RateWindowTTL = time.Hour

// RateScopeKey builds the store key for a rate window. A known tenant takes
// priority over the client identifier.
func RateScopeKey(tenantID, clientID string) string {
	if tenantID != "" {
		return "rate:tenant:" + tenantID
	}
	return "ratelimit:" + clientID
}

// rateWindow is the persisted fixed-window counter.
type rateWindow struct {
	Count           int       `json:"count"`
	WindowStartedAt time.Time `json:"windowStartedAt"`
}

// RateResult reports the outcome of a rate check. RetryAfter is seconds
// until the window resets, set only on rejection.
type RateResult struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter int64
}

// RateLimiter is a fixed-window counting gate in front of challenge
// issuance. It is advisory: any store failure fails open with the full
// remaining budget, because availability of the service outranks strictness
// of the gate. A slightly stale read near a window boundary can let one
// extra request through; that is accepted.
type RateLimiter struct {
	store  ports.TTLStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRateLimiter creates a limiter on the given store.
func NewRateLimiter(store ports.TTLStore, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Check counts a request against the scope's hourly window.
func (l *RateLimiter) Check(ctx context.Context, scopeKey string, limitPerHour int) RateResult {
	now := l.now()

	raw, err := l.store.Get(ctx, scopeKey)
	if err != nil && !errors.Is(err, core.ErrStoreNotFound) {
		l.logger.Warn("rate window lookup failed, failing open", "scope", scopeKey, "error", err)
		return RateResult{Allowed: true, Remaining: limitPerHour, ResetAt: now.Add(RateWindowTTL)}
	}

	window := rateWindow{Count: 0, WindowStartedAt: now}
	if err == nil {
		if uerr := json.Unmarshal([]byte(raw), &window); uerr != nil {
			l.logger.Warn("corrupt rate window, resetting", "scope", scopeKey, "error", uerr)
			window = rateWindow{Count: 0, WindowStartedAt: now}
		}
	}

	resetAt := window.WindowStartedAt.Add(RateWindowTTL)
	if !now.Before(resetAt) {
		// Window elapsed: start a fresh one.
		window = rateWindow{Count: 0, WindowStartedAt: now}
		resetAt = now.Add(RateWindowTTL)
	}

	if window.Count >= limitPerHour {
		retryAfter := int64((resetAt.Sub(now) + time.Second - 1) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return RateResult{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: retryAfter}
	}

	window.Count++
	payload, merr := json.Marshal(window)
	if merr == nil {
		if perr := l.store.Put(ctx, scopeKey, string(payload), resetAt.Sub(now)); perr != nil {
			l.logger.Warn("rate window write failed, failing open", "scope", scopeKey, "error", perr)
		}
	}

	return RateResult{
		Allowed:   true,
		Remaining: limitPerHour - window.Count,
		ResetAt:   resetAt,
	}
}
