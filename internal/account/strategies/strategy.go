// Package strategies provides account selection strategies for the pool.
package strategies

import (
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
	StrategyHybrid     = "hybrid"
)

var StrategyLabels = map[string]string{
	StrategySticky:     "Sticky (Cache-Optimized)",
	StrategyRoundRobin: "Round-Robin (Load-Balanced)",
	StrategyHybrid:     "Hybrid (Smart Distribution)",
}

// SelectOptions carries state a strategy needs across calls.
type SelectOptions struct {
	CurrentIndex int
	OnSave       func()
}

// SelectionResult is what a strategy returns for one selection attempt.
type SelectionResult struct {
	Account *accountstore.Account
	Index   int
	WaitMs  int64
}

// Strategy picks the next account to use for a request.
type Strategy interface {
	SelectAccount(accounts []*accountstore.Account, options SelectOptions) *SelectionResult
	OnSuccess(account *accountstore.Account)
	OnRateLimit(account *accountstore.Account)
	OnFailure(account *accountstore.Account)
}

// HealthTracker is satisfied by the hybrid strategy's health tracker and is
// what HybridStrategy.GetHealthTracker returns, so callers can read it
// without importing the trackers package.
type HealthTracker interface {
	GetScore(email string) float64
	IsUsable(email string) bool
	GetConsecutiveFailures(email string) int
}

type Config struct {
	HealthScore config.HealthScoreConfig
	TokenBucket config.TokenBucketConfig
	Quota       config.QuotaConfig
	Weights     *WeightConfig
}

type WeightConfig struct {
	Health float64
	Tokens float64
	Quota  float64
	LRU    float64
}

func DefaultWeights() *WeightConfig {
	return &WeightConfig{Health: 2.0, Tokens: 5.0, Quota: 3.0, LRU: 0.1}
}

func ConfigFromAccountSelection(cfg config.AccountSelectionConfig) *Config {
	out := &Config{Weights: DefaultWeights()}
	if cfg.HealthScore != nil {
		out.HealthScore = *cfg.HealthScore
	}
	if cfg.TokenBucket != nil {
		out.TokenBucket = *cfg.TokenBucket
	}
	if cfg.Quota != nil {
		out.Quota = *cfg.Quota
	}
	if cfg.Weights != nil {
		out.Weights = &WeightConfig{
			Health: cfg.Weights.Health, Tokens: cfg.Weights.Tokens,
			Quota: cfg.Weights.Quota, LRU: cfg.Weights.Lru,
		}
	}
	return out
}

// NewStrategy creates a strategy instance by name, defaulting to the
// round-robin policy. scratch is only consulted by the hybrid
// strategy, to persist health scores across restarts; it may be nil.
func NewStrategy(name string, cfg *Config, scratch *redis.ScratchStore) Strategy {
	if name == "" {
		name = config.DefaultSelectionStrategy
	}
	switch name {
	case StrategySticky:
		return NewStickyStrategy(cfg)
	case StrategyRoundRobin, "roundrobin":
		return NewRoundRobinStrategy(cfg)
	case StrategyHybrid:
		return NewHybridStrategy(cfg, scratch)
	default:
		utils.Warn("[Strategy] unknown strategy %q, falling back to %s", name, config.DefaultSelectionStrategy)
		return NewRoundRobinStrategy(cfg)
	}
}

func IsValidStrategy(name string) bool {
	switch name {
	case StrategySticky, StrategyRoundRobin, StrategyHybrid, "roundrobin":
		return true
	default:
		return false
	}
}

func GetStrategyLabel(name string) string {
	if name == "" {
		name = config.DefaultSelectionStrategy
	}
	if name == "roundrobin" {
		name = StrategyRoundRobin
	}
	if label, ok := StrategyLabels[name]; ok {
		return label
	}
	return StrategyLabels[config.DefaultSelectionStrategy]
}
