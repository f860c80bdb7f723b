package monitor

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	categoryAll        = "all"
	defaultRetryAfter  = 60 * time.Second
	rateLimitCategoryH = "X-Monitor-Rate-Limit-Category"
)

// RateLimiter tracks collector back-pressure signalled through Retry-After
type RateLimiter struct {
	mu         sync.RWMutex
	rateLimits map[string]time.Time // category -> disabled until time
	logger     *zap.Logger
	now        func() time.Time
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		rateLimits: make(map[string]time.Time),
		logger:     logger,
		now:        time.Now,
	}
}

// IsRateLimited checks if the given kind is currently rate limited
func (rl *RateLimiter) IsRateLimited(kind Kind) bool {
	return !rl.DisabledUntil(kind).IsZero()
}

// DisabledUntil returns the time until which the kind is disabled, or the
// zero time when it is not
func (rl *RateLimiter) DisabledUntil(kind Kind) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	var maxDisabledUntil time.Time

	if disabledUntil, exists := rl.rateLimits[string(kind)]; exists && disabledUntil.After(now) {
		maxDisabledUntil = disabledUntil
	}

	if disabledUntil, exists := rl.rateLimits[categoryAll]; exists && disabledUntil.After(now) {
		if disabledUntil.After(maxDisabledUntil) {
			maxDisabledUntil = disabledUntil
		}
	}

	return maxDisabledUntil
}

// HandleResponse records a rate limit when the collector answered 429 or
// 503 with a Retry-After header. It reports whether a limit was applied.
func (rl *RateLimiter) HandleResponse(kind Kind, resp *http.Response) bool {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return false
	}

	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return false
	}

	category := categoryAll
	if c := strings.TrimSpace(resp.Header.Get(rateLimitCategoryH)); c != "" {
		category = normalizeCategory(c, kind)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	until := rl.parseRetryAfter(retryAfter, rl.now())
	rl.rateLimits[category] = until

	rl.logger.Warn("Rate limit applied",
		zap.String("category", category),
		zap.Time("disabled_until", until),
		zap.Int("status_code", resp.StatusCode))

	return true
}

// parseRetryAfter accepts delta seconds or an HTTP date
func (rl *RateLimiter) parseRetryAfter(header string, now time.Time) time.Time {
	header = strings.TrimSpace(header)

	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return now.Add(time.Duration(seconds) * time.Second)
	}

	if retryTime, err := http.ParseTime(header); err == nil && retryTime.After(now) {
		return retryTime
	}

	rl.logger.Warn("Failed to parse Retry-After header, using default",
		zap.String("header", header))

	return now.Add(defaultRetryAfter)
}

// normalizeCategory maps collector categories onto report kinds
func normalizeCategory(category string, kind Kind) string {
	switch strings.ToLower(category) {
	case "error", "errors", "exception":
		return string(KindError)
	case "log", "logs", "log_item":
		return string(KindLog)
	case "all", "*":
		return categoryAll
	default:
		return string(kind)
	}
}

// CleanupExpired removes expired rate limits
func (rl *RateLimiter) CleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for category, disabledUntil := range rl.rateLimits {
		if !disabledUntil.After(now) {
			delete(rl.rateLimits, category)
		}
	}
}

// Status returns current rate limit status
func (rl *RateLimiter) Status() map[string]time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	status := make(map[string]time.Time, len(rl.rateLimits))
	for category, disabledUntil := range rl.rateLimits {
		status[category] = disabledUntil
	}

	return status
}
