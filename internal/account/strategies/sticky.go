package strategies

import (
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
)

// StickyStrategy keeps using the same account until it becomes unusable,
// trading fairness for prompt-cache continuity. Opt-in alternative to the
// spec-mandated round-robin default.
type StickyStrategy struct {
	*BaseStrategy
}

func NewStickyStrategy(cfg *Config) *StickyStrategy {
	return &StickyStrategy{BaseStrategy: NewBaseStrategy(cfg)}
}

func (s *StickyStrategy) SelectAccount(accounts []*accountstore.Account, options SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Index: options.CurrentIndex}
	}
	now := time.Now().UnixMilli()

	index := options.CurrentIndex
	if index < 0 || index >= len(accounts) {
		index = 0
	}

	current := accounts[index]
	if current.IsUsable(now) {
		current.LastUsedAt = now
		if options.OnSave != nil {
			options.OnSave()
		}
		return &SelectionResult{Account: current, Index: index}
	}

	if next, nextIdx := s.pickNext(accounts, index, now); next != nil {
		if options.OnSave != nil {
			options.OnSave()
		}
		utils.Info("[StickyStrategy] failed over from %s to %s", current.Email, next.Email)
		return &SelectionResult{Account: next, Index: nextIdx}
	}

	if wait, ok := s.shouldWaitForAccount(current, now); ok {
		utils.Info("[StickyStrategy] waiting %s for sticky account %s", utils.FormatDuration(wait), current.Email)
		return &SelectionResult{Index: index, WaitMs: wait}
	}

	return &SelectionResult{Index: index}
}

func (s *StickyStrategy) pickNext(accounts []*accountstore.Account, currentIndex int, now int64) (*accountstore.Account, int) {
	for i := 1; i <= len(accounts); i++ {
		idx := (currentIndex + i) % len(accounts)
		if accounts[idx].IsUsable(now) {
			accounts[idx].LastUsedAt = now
			return accounts[idx], idx
		}
	}
	return nil, currentIndex
}

// shouldWaitForAccount reports whether the caller should wait out the sticky
// account's cooldown instead of failing over, when no other account is usable.
func (s *StickyStrategy) shouldWaitForAccount(account *accountstore.Account, now int64) (int64, bool) {
	if account == nil || account.IsInvalid || !account.Enabled {
		return 0, false
	}
	if !account.IsRateLimited || account.RateLimitResetAt == nil {
		return 0, false
	}
	wait := *account.RateLimitResetAt - now
	if wait <= 0 || wait > config.MaxWaitBeforeErrorMs {
		return 0, false
	}
	return wait, true
}
