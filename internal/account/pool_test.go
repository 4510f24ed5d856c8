package account

import (
	"testing"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/errors"
	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool(t.TempDir(), "round-robin", config.AccountSelectionConfig{}, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestSelectNextReturns503WhenPoolIsEmpty(t *testing.T) {
	p := newTestPool(t)

	_, err := p.SelectNext()
	if err == nil {
		t.Fatal("expected an error for an empty pool")
	}
	gwErr, ok := err.(*errors.GatewayError)
	if !ok {
		t.Fatalf("expected a *errors.GatewayError, got %T", err)
	}
	if gwErr.StatusCode() != 503 {
		t.Errorf("StatusCode() = %d, want 503", gwErr.StatusCode())
	}
}

func TestSelectNextReturns503WhenAllAccountsRateLimited(t *testing.T) {
	p := newTestPool(t)

	future := time.Now().UnixMilli() + 3600_000
	for _, email := range []string{"a@example.com", "b@example.com"} {
		acc := &accountstore.Account{
			Email:            email,
			Enabled:          true,
			IsRateLimited:    true,
			RateLimitResetAt: &future,
		}
		if err := p.AddOrReplace(acc); err != nil {
			t.Fatalf("AddOrReplace(%s) error = %v", email, err)
		}
	}

	_, err := p.SelectNext()
	if err == nil {
		t.Fatal("expected an error when every account is rate limited")
	}
	gwErr, ok := err.(*errors.GatewayError)
	if !ok {
		t.Fatalf("expected a *errors.GatewayError, got %T", err)
	}
	if gwErr.StatusCode() != 503 {
		t.Errorf("StatusCode() = %d, want 503", gwErr.StatusCode())
	}
}

func TestSelectNextReturnsUsableAccountAmongUnusableOnes(t *testing.T) {
	p := newTestPool(t)

	invalid := &accountstore.Account{Email: "invalid@example.com", Enabled: true, IsInvalid: true}
	usable := &accountstore.Account{Email: "usable@example.com", Enabled: true}
	if err := p.AddOrReplace(invalid); err != nil {
		t.Fatal(err)
	}
	if err := p.AddOrReplace(usable); err != nil {
		t.Fatal(err)
	}

	result, err := p.SelectNext()
	if err != nil {
		t.Fatalf("SelectNext() error = %v", err)
	}
	if result.Account == nil || result.Account.Email != "usable@example.com" {
		t.Errorf("SelectNext() returned %v, want usable@example.com", result.Account)
	}
}

func TestAddOrReplaceEnforcesCapacityLimit(t *testing.T) {
	p := newTestPool(t)

	for i := 0; i < config.MaxAccounts; i++ {
		acc := &accountstore.Account{Email: string(rune('a'+i)) + "@example.com", Enabled: true}
		if err := p.AddOrReplace(acc); err != nil {
			t.Fatalf("AddOrReplace() account %d error = %v", i, err)
		}
	}

	overflow := &accountstore.Account{Email: "overflow@example.com", Enabled: true}
	err := p.AddOrReplace(overflow)
	if err == nil {
		t.Fatal("expected an error when the pool is at capacity")
	}
	gwErr, ok := err.(*errors.GatewayError)
	if !ok {
		t.Fatalf("expected a *errors.GatewayError, got %T", err)
	}
	if gwErr.Kind != errors.KindCapacityExceeded {
		t.Errorf("Kind = %v, want %v", gwErr.Kind, errors.KindCapacityExceeded)
	}
}

func TestAddOrReplaceUpdatesExistingAccountByEmail(t *testing.T) {
	p := newTestPool(t)

	original := &accountstore.Account{Email: "a@example.com", Enabled: true, AccessToken: "old"}
	if err := p.AddOrReplace(original); err != nil {
		t.Fatal(err)
	}

	updated := &accountstore.Account{Email: "a@example.com", Enabled: true, AccessToken: "new"}
	if err := p.AddOrReplace(updated); err != nil {
		t.Fatal(err)
	}

	status := p.GetStatus()
	if len(status.Accounts) != 1 {
		t.Fatalf("expected 1 account after replace, got %d", len(status.Accounts))
	}
	if got := status.Accounts[0].AccessToken; got != "new" {
		t.Errorf("AccessToken = %q, want %q", got, "new")
	}
}
