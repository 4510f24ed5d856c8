package strategies

import (
	"fmt"
	"strings"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/account/strategies/trackers"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// FallbackLevel indicates how far selection had to relax its filters to find
// a usable account.
type FallbackLevel string

const (
	FallbackNormal     FallbackLevel = "normal"
	FallbackQuota      FallbackLevel = "quota"
	FallbackEmergency  FallbackLevel = "emergency"
	FallbackLastResort FallbackLevel = "lastResort"
)

// HybridStrategy combines health score, token bucket, quota, and LRU
// freshness into one composite score.
//
// score = (Health × 2) + ((Tokens / MaxTokens × 100) × 5) + (Quota × 3) + (LRU × 0.1)
type HybridStrategy struct {
	*BaseStrategy
	healthTracker      *trackers.HealthTracker
	tokenBucketTracker *trackers.TokenBucketTracker
	quotaTracker       *trackers.QuotaTracker
	weights            *WeightConfig
	globalThreshold    *float64
}

func NewHybridStrategy(cfg *Config, scratch *redis.ScratchStore) *HybridStrategy {
	weights := DefaultWeights()
	var healthCfg config.HealthScoreConfig
	var tokenCfg config.TokenBucketConfig
	var quotaCfg config.QuotaConfig
	if cfg != nil {
		if cfg.Weights != nil {
			weights = cfg.Weights
		}
		healthCfg = cfg.HealthScore
		tokenCfg = cfg.TokenBucket
		quotaCfg = cfg.Quota
	}

	return &HybridStrategy{
		BaseStrategy:       NewBaseStrategy(cfg),
		healthTracker:      trackers.NewHealthTracker(healthCfg, scratch),
		tokenBucketTracker: trackers.NewTokenBucketTracker(tokenCfg, scratch),
		quotaTracker:       trackers.NewQuotaTracker(quotaCfg),
		weights:            weights,
	}
}

func (s *HybridStrategy) SetGlobalThreshold(threshold *float64) {
	s.globalThreshold = threshold
}

func (s *HybridStrategy) SelectAccount(accounts []*accountstore.Account, options SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Index: 0}
	}

	candidates, fallbackLevel := s.getCandidates(accounts)
	if len(candidates) == 0 {
		reason, waitMs := s.diagnoseNoCandidates(accounts)
		utils.Warn("[HybridStrategy] no candidates available: %s", reason)
		return &SelectionResult{Index: 0, WaitMs: waitMs}
	}

	type scoredCandidate struct {
		account *accountstore.Account
		index   int
		score   float64
	}
	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoredCandidate{account: c.Account, index: c.Index, score: s.calculateScore(c.Account)})
	}
	for i := 0; i < len(scored)-1; i++ {
		for j := i + 1; j < len(scored); j++ {
			if scored[j].score > scored[i].score {
				scored[i], scored[j] = scored[j], scored[i]
			}
		}
	}

	best := scored[0]
	best.account.LastUsedAt = time.Now().UnixMilli()

	if fallbackLevel != FallbackLastResort {
		s.tokenBucketTracker.Consume(best.account.Email)
	}
	if options.OnSave != nil {
		options.OnSave()
	}

	var waitMs int64
	switch fallbackLevel {
	case FallbackLastResort:
		waitMs = 500
	case FallbackEmergency:
		waitMs = 250
	}

	fallbackInfo := ""
	if fallbackLevel != FallbackNormal {
		fallbackInfo = fmt.Sprintf(", fallback: %s", fallbackLevel)
	}
	utils.Info("[HybridStrategy] selected %s (%d/%d, score: %.1f%s)",
		best.account.Email, best.index+1, len(accounts), best.score, fallbackInfo)

	return &SelectionResult{Account: best.account, Index: best.index, WaitMs: waitMs}
}

func (s *HybridStrategy) OnSuccess(account *accountstore.Account) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordSuccess(account.Email)
	}
}

func (s *HybridStrategy) OnRateLimit(account *accountstore.Account) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordRateLimit(account.Email)
	}
}

func (s *HybridStrategy) OnFailure(account *accountstore.Account) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordFailure(account.Email)
		s.tokenBucketTracker.Refund(account.Email)
	}
}

func (s *HybridStrategy) getCandidates(accounts []*accountstore.Account) ([]AccountWithIndex, FallbackLevel) {
	now := time.Now().UnixMilli()
	candidates := make([]AccountWithIndex, 0)
	for i, account := range accounts {
		if !account.IsUsable(now) {
			continue
		}
		if !s.healthTracker.IsUsable(account.Email) {
			continue
		}
		if !s.tokenBucketTracker.HasTokens(account.Email) {
			continue
		}
		if s.quotaTracker.IsQuotaCritical(account, s.getEffectiveThreshold(account)) {
			utils.Debug("[HybridStrategy] excluding %s: quota critically low", account.Email)
			continue
		}
		candidates = append(candidates, AccountWithIndex{Account: account, Index: i})
	}
	if len(candidates) > 0 {
		return candidates, FallbackNormal
	}

	fallback := make([]AccountWithIndex, 0)
	for i, account := range accounts {
		if !account.IsUsable(now) || !s.healthTracker.IsUsable(account.Email) || !s.tokenBucketTracker.HasTokens(account.Email) {
			continue
		}
		fallback = append(fallback, AccountWithIndex{Account: account, Index: i})
	}
	if len(fallback) > 0 {
		utils.Warn("[HybridStrategy] all accounts at critical quota, bypassing quota filter")
		return fallback, FallbackQuota
	}

	emergency := make([]AccountWithIndex, 0)
	for i, account := range accounts {
		if !account.IsUsable(now) || !s.tokenBucketTracker.HasTokens(account.Email) {
			continue
		}
		emergency = append(emergency, AccountWithIndex{Account: account, Index: i})
	}
	if len(emergency) > 0 {
		utils.Warn("[HybridStrategy] all accounts unhealthy, using least-bad account")
		return emergency, FallbackEmergency
	}

	lastResort := make([]AccountWithIndex, 0)
	for i, account := range accounts {
		if account.IsUsable(now) {
			lastResort = append(lastResort, AccountWithIndex{Account: account, Index: i})
		}
	}
	if len(lastResort) > 0 {
		utils.Warn("[HybridStrategy] all accounts exhausted, using any usable account")
		return lastResort, FallbackLastResort
	}

	return nil, FallbackNormal
}

func (s *HybridStrategy) getEffectiveThreshold(account *accountstore.Account) *float64 {
	return s.globalThreshold
}

func (s *HybridStrategy) calculateScore(account *accountstore.Account) float64 {
	email := account.Email

	health := s.healthTracker.GetScore(email)
	healthComponent := health * s.weights.Health

	tokens := s.tokenBucketTracker.GetTokens(email)
	maxTokens := s.tokenBucketTracker.GetMaxTokens()
	tokenComponent := (tokens / maxTokens * 100) * s.weights.Tokens

	quotaComponent := s.quotaTracker.GetScore(account) * s.weights.Quota

	timeSinceLastUse := time.Now().UnixMilli() - account.LastUsedAt
	if timeSinceLastUse > 3600000 {
		timeSinceLastUse = 3600000
	}
	lruComponent := (float64(timeSinceLastUse) / 1000) * s.weights.LRU

	return healthComponent + tokenComponent + quotaComponent + lruComponent
}

func (s *HybridStrategy) diagnoseNoCandidates(accounts []*accountstore.Account) (string, int64) {
	now := time.Now().UnixMilli()
	var unusableCount, unhealthyCount, noTokensCount, criticalQuotaCount int
	accountsWithoutTokens := make([]string, 0)

	for _, account := range accounts {
		if !account.IsUsable(now) {
			unusableCount++
			continue
		}
		if !s.healthTracker.IsUsable(account.Email) {
			unhealthyCount++
			continue
		}
		if !s.tokenBucketTracker.HasTokens(account.Email) {
			noTokensCount++
			accountsWithoutTokens = append(accountsWithoutTokens, account.Email)
			continue
		}
		if s.quotaTracker.IsQuotaCritical(account, s.getEffectiveThreshold(account)) {
			criticalQuotaCount++
		}
	}

	if noTokensCount > 0 && unusableCount == 0 && unhealthyCount == 0 {
		waitMs := s.tokenBucketTracker.GetMinTimeUntilToken(accountsWithoutTokens)
		return fmt.Sprintf("all %d account(s) exhausted token bucket, waiting for refill", noTokensCount), waitMs
	}

	parts := make([]string, 0)
	if unusableCount > 0 {
		parts = append(parts, fmt.Sprintf("%d unusable/disabled", unusableCount))
	}
	if unhealthyCount > 0 {
		parts = append(parts, fmt.Sprintf("%d unhealthy", unhealthyCount))
	}
	if noTokensCount > 0 {
		parts = append(parts, fmt.Sprintf("%d no tokens", noTokensCount))
	}
	if criticalQuotaCount > 0 {
		parts = append(parts, fmt.Sprintf("%d critical quota", criticalQuotaCount))
	}
	reason := "unknown"
	if len(parts) > 0 {
		reason = strings.Join(parts, ", ")
	}
	return reason, 0
}

func (s *HybridStrategy) GetHealthTracker() HealthTracker                   { return s.healthTracker }
func (s *HybridStrategy) GetTokenBucketTracker() *trackers.TokenBucketTracker { return s.tokenBucketTracker }
func (s *HybridStrategy) GetQuotaTracker() *trackers.QuotaTracker             { return s.quotaTracker }
