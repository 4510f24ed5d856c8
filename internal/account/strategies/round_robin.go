package strategies

import (
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
)

// RoundRobinStrategy rotates through the account list in order, starting
// each selection one past the last one made, and skipping over any account
// that isn't currently usable.
type RoundRobinStrategy struct {
	mu     sync.Mutex
	cursor int
}

func NewRoundRobinStrategy(cfg *Config) *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

func (s *RoundRobinStrategy) SelectAccount(accounts []*accountstore.Account, options SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Account: nil}
	}
	now := time.Now().UnixMilli()

	s.mu.Lock()
	if s.cursor >= len(accounts) {
		s.cursor = 0
	}
	start := (s.cursor + 1) % len(accounts)

	for i := 0; i < len(accounts); i++ {
		idx := (start + i) % len(accounts)
		account := accounts[idx]
		if !account.IsUsable(now) {
			continue
		}
		s.cursor = idx
		s.mu.Unlock()

		account.LastUsedAt = now
		if options.OnSave != nil {
			options.OnSave()
		}
		utils.Debug("[RoundRobinStrategy] selected %s (%d/%d)", account.Email, idx+1, len(accounts))
		return &SelectionResult{Account: account, Index: idx}
	}
	s.mu.Unlock()

	return &SelectionResult{Account: nil}
}

func (s *RoundRobinStrategy) OnSuccess(account *accountstore.Account)   {}
func (s *RoundRobinStrategy) OnRateLimit(account *accountstore.Account) {}
func (s *RoundRobinStrategy) OnFailure(account *accountstore.Account)   {}
