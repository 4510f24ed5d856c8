package cloudcode

import (
	"math"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// rateLimitState tracks consecutive 429s for one account, used to
// deduplicate retries within a short window and escalate backoff across
// repeated hits.
type rateLimitState struct {
	consecutive429 int
	lastAt         time.Time
}

var rateLimitStates = struct {
	sync.RWMutex
	m map[string]*rateLimitState
}{
	m: make(map[string]*rateLimitState),
}

// BackoffResult is the outcome of a dedup-aware backoff calculation.
type BackoffResult struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

// GetRateLimitBackoff computes the delay for a 429 against email, folding in
// exponential escalation across consecutive hits and a dedup window so a
// burst of retries within RateLimitDedupWindowMs collapses into one decision.
func GetRateLimitBackoff(email string, serverRetryAfterMs int64) *BackoffResult {
	now := time.Now()

	rateLimitStates.Lock()
	defer rateLimitStates.Unlock()

	previous := rateLimitStates.m[email]

	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < config.RateLimitDedupWindowMs {
		baseDelay := serverRetryAfterMs
		if baseDelay <= 0 {
			baseDelay = config.FirstRetryDelayMs
		}
		backoffDelay := int64(math.Min(float64(baseDelay)*math.Pow(2, float64(previous.consecutive429-1)), 60000))
		return &BackoffResult{Attempt: previous.consecutive429, DelayMs: max64(baseDelay, backoffDelay), IsDuplicate: true}
	}

	attempt := 1
	if previous != nil && now.Sub(previous.lastAt).Milliseconds() < config.RateLimitStateResetMs {
		attempt = previous.consecutive429 + 1
	}

	rateLimitStates.m[email] = &rateLimitState{consecutive429: attempt, lastAt: now}

	baseDelay := serverRetryAfterMs
	if baseDelay <= 0 {
		baseDelay = config.FirstRetryDelayMs
	}
	backoffDelay := int64(math.Min(float64(baseDelay)*math.Pow(2, float64(attempt-1)), 60000))

	utils.Debug("[CloudCode] rate limit backoff for %s: attempt=%d, delayMs=%d", email, attempt, max64(baseDelay, backoffDelay))
	return &BackoffResult{Attempt: attempt, DelayMs: max64(baseDelay, backoffDelay), IsDuplicate: false}
}

// ClearRateLimitState drops an account's dedup state after a successful call.
func ClearRateLimitState(email string) {
	rateLimitStates.Lock()
	delete(rateLimitStates.m, email)
	rateLimitStates.Unlock()
}

// CalculateSmartBackoff picks a cooldown for a classified rate-limit error
// when the upstream gave no explicit reset time.
func CalculateSmartBackoff(errorText string, serverResetMs int64, consecutiveFailures int) int64 {
	if serverResetMs > 0 {
		return max64(serverResetMs, config.MinBackoffMs)
	}

	switch ParseRateLimitReason(errorText, 0) {
	case RateLimitReasonQuotaExhausted:
		tierIndex := consecutiveFailures
		if tierIndex >= len(config.QuotaExhaustedBackoffTiersMs) {
			tierIndex = len(config.QuotaExhaustedBackoffTiersMs) - 1
		}
		return config.QuotaExhaustedBackoffTiersMs[tierIndex]
	case RateLimitReasonRateLimitExceeded:
		return config.BackoffByErrorType["RATE_LIMIT_EXCEEDED"]
	case RateLimitReasonModelCapacityExhausted:
		return config.BackoffByErrorType["MODEL_CAPACITY_EXHAUSTED"] + utils.GenerateJitter(config.CapacityJitterMaxMs)
	case RateLimitReasonServerError:
		return config.BackoffByErrorType["SERVER_ERROR"]
	default:
		return config.BackoffByErrorType["UNKNOWN"]
	}
}

// StartRateLimitStateCleanup periodically drops dedup state for accounts
// that haven't been rate limited recently, bounding the map's size.
func StartRateLimitStateCleanup() {
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		for range ticker.C {
			cleanupStaleRateLimitStates()
		}
	}()
}

func cleanupStaleRateLimitStates() {
	cutoff := time.Now().Add(-time.Duration(config.RateLimitStateResetMs) * time.Millisecond)

	rateLimitStates.Lock()
	defer rateLimitStates.Unlock()
	for key, state := range rateLimitStates.m {
		if state.lastAt.Before(cutoff) {
			delete(rateLimitStates.m, key)
		}
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
