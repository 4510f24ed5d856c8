package strategies

import (
	"testing"

	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
)

func usableAccount(email string) *accountstore.Account {
	return &accountstore.Account{Email: email, Enabled: true}
}

func TestRoundRobinCyclesThroughAllEligibleAccounts(t *testing.T) {
	accounts := []*accountstore.Account{
		usableAccount("a@example.com"),
		usableAccount("b@example.com"),
		usableAccount("c@example.com"),
	}
	s := NewRoundRobinStrategy(nil)

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		result := s.SelectAccount(accounts, SelectOptions{})
		if result.Account == nil {
			t.Fatalf("iteration %d: expected an account, got nil", i)
		}
		seen[result.Account.Email]++
	}

	for _, acc := range accounts {
		if seen[acc.Email] != 3 {
			t.Errorf("account %s selected %d times, want 3 (fair distribution over 9 picks)", acc.Email, seen[acc.Email])
		}
	}
}

func TestRoundRobinSkipsUnusableAccounts(t *testing.T) {
	disabled := usableAccount("disabled@example.com")
	disabled.Enabled = false
	accounts := []*accountstore.Account{
		disabled,
		usableAccount("ok@example.com"),
	}
	s := NewRoundRobinStrategy(nil)

	for i := 0; i < 5; i++ {
		result := s.SelectAccount(accounts, SelectOptions{})
		if result.Account == nil {
			t.Fatalf("iteration %d: expected an account, got nil", i)
		}
		if result.Account.Email != "ok@example.com" {
			t.Errorf("iteration %d: selected %s, want ok@example.com", i, result.Account.Email)
		}
	}
}

func TestRoundRobinReturnsNilWhenNoneEligible(t *testing.T) {
	disabled := usableAccount("disabled@example.com")
	disabled.Enabled = false
	s := NewRoundRobinStrategy(nil)

	result := s.SelectAccount([]*accountstore.Account{disabled}, SelectOptions{})
	if result.Account != nil {
		t.Errorf("expected nil account when none eligible, got %s", result.Account.Email)
	}
}

func TestRoundRobinInvokesOnSave(t *testing.T) {
	accounts := []*accountstore.Account{usableAccount("a@example.com")}
	s := NewRoundRobinStrategy(nil)

	called := false
	s.SelectAccount(accounts, SelectOptions{OnSave: func() { called = true }})

	if !called {
		t.Error("expected OnSave to be invoked after a successful selection")
	}
}
