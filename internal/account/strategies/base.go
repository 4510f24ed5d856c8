package strategies

import (
	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
)

// BaseStrategy provides default no-op health callbacks and a usable-account
// filter. The sticky and hybrid strategies embed it; round-robin does not.
type BaseStrategy struct {
	config *Config
}

func NewBaseStrategy(cfg *Config) *BaseStrategy {
	return &BaseStrategy{config: cfg}
}

func (s *BaseStrategy) GetUsableAccounts(accounts []*accountstore.Account, nowMs int64) []AccountWithIndex {
	result := make([]AccountWithIndex, 0, len(accounts))
	for i, a := range accounts {
		if a.IsUsable(nowMs) {
			result = append(result, AccountWithIndex{Account: a, Index: i})
		}
	}
	return result
}

type AccountWithIndex struct {
	Account *accountstore.Account
	Index   int
}

func (s *BaseStrategy) OnSuccess(account *accountstore.Account)   {}
func (s *BaseStrategy) OnRateLimit(account *accountstore.Account) {}
func (s *BaseStrategy) OnFailure(account *accountstore.Account)   {}
