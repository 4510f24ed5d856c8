// Package trackers provides state tracking for the hybrid strategy.
package trackers

import (
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
)

// QuotaTracker tracks per-account quota levels to prioritize accounts with
// available quota. Accounts below the critical threshold are excluded from
// selection; unknown or stale quota data is treated as "don't know" rather
// than "exhausted".
type QuotaTracker struct {
	config       config.QuotaConfig
	unknownScore float64
}

func NewQuotaTracker(cfg config.QuotaConfig) *QuotaTracker {
	if cfg.LowThreshold == 0 {
		cfg.LowThreshold = 0.10
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = 0.05
	}
	if cfg.StaleMs == 0 {
		cfg.StaleMs = 300000
	}
	return &QuotaTracker{config: cfg, unknownScore: 50}
}

// GetQuotaFraction returns the remaining quota fraction (0-1), or -1 if unknown.
func (t *QuotaTracker) GetQuotaFraction(account *accountstore.Account) float64 {
	if account == nil || account.QuotaTotal <= 0 {
		return -1
	}
	return account.QuotaRemaining / account.QuotaTotal
}

func (t *QuotaTracker) IsQuotaFresh(account *accountstore.Account) bool {
	if account == nil || account.QuotaUpdatedAt == 0 {
		return false
	}
	lastChecked := time.UnixMilli(account.QuotaUpdatedAt)
	return time.Since(lastChecked) < time.Duration(t.config.StaleMs)*time.Millisecond
}

func (t *QuotaTracker) IsQuotaCritical(account *accountstore.Account, thresholdOverride *float64) bool {
	fraction := t.GetQuotaFraction(account)
	if fraction < 0 || !t.IsQuotaFresh(account) {
		return false
	}
	threshold := t.config.CriticalThreshold
	if thresholdOverride != nil && *thresholdOverride > 0 {
		threshold = *thresholdOverride
	}
	return fraction <= threshold
}

func (t *QuotaTracker) IsQuotaLow(account *accountstore.Account) bool {
	fraction := t.GetQuotaFraction(account)
	if fraction < 0 {
		return false
	}
	return fraction <= t.config.LowThreshold && fraction > t.config.CriticalThreshold
}

// GetScore returns a 0-100 score; higher means more quota available.
func (t *QuotaTracker) GetScore(account *accountstore.Account) float64 {
	fraction := t.GetQuotaFraction(account)
	if fraction < 0 {
		return t.unknownScore
	}
	score := fraction * 100
	if !t.IsQuotaFresh(account) {
		score *= 0.9
	}
	return score
}

func (t *QuotaTracker) GetCriticalThreshold() float64 { return t.config.CriticalThreshold }
func (t *QuotaTracker) GetLowThreshold() float64       { return t.config.LowThreshold }
