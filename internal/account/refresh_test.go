package account

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/auth"
	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
)

func TestRefreshGateServesCachedTokenWithoutRefreshing(t *testing.T) {
	var calls int32
	g := newRefreshGateWithRefresher(func(ctx context.Context, compositeRefresh string) (*auth.RefreshResult, error) {
		atomic.AddInt32(&calls, 1)
		return &auth.RefreshResult{AccessToken: "new", ExpiresIn: 3600}, nil
	})

	acc := &accountstore.Account{
		Email:                "a@example.com",
		AccessToken:          "still-good",
		AccessTokenExpiresAt: time.Now().UnixMilli() + 3600_000,
	}

	token, err := g.getToken(context.Background(), acc, nil)
	if err != nil {
		t.Fatalf("getToken() error = %v", err)
	}
	if token != "still-good" {
		t.Errorf("getToken() = %q, want the cached token", token)
	}
	if calls != 0 {
		t.Errorf("expected no refresh call for an unexpired token, got %d", calls)
	}
}

func TestRefreshGateCoalescesConcurrentRefreshes(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})

	g := newRefreshGateWithRefresher(func(ctx context.Context, compositeRefresh string) (*auth.RefreshResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return &auth.RefreshResult{AccessToken: "refreshed-token", ExpiresIn: 3600}, nil
	})

	acc := &accountstore.Account{Email: "a@example.com"}

	const n = 8
	results := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.getToken(context.Background(), acc, nil)
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected exactly one upstream refresh for %d concurrent callers, got %d", n, calls)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: unexpected error %v", i, errs[i])
		}
		if results[i] != "refreshed-token" {
			t.Errorf("caller %d: token = %q, want %q", i, results[i], "refreshed-token")
		}
	}
}

func TestRefreshGatePropagatesRefreshError(t *testing.T) {
	wantErr := context.DeadlineExceeded
	g := newRefreshGateWithRefresher(func(ctx context.Context, compositeRefresh string) (*auth.RefreshResult, error) {
		return nil, wantErr
	})

	acc := &accountstore.Account{Email: "a@example.com"}

	_, err := g.getToken(context.Background(), acc, nil)
	if err == nil {
		t.Fatal("expected an error when the upstream refresh fails")
	}
}

func TestRefreshGateInvokesOnRefreshedCallback(t *testing.T) {
	g := newRefreshGateWithRefresher(func(ctx context.Context, compositeRefresh string) (*auth.RefreshResult, error) {
		return &auth.RefreshResult{AccessToken: "new-token", ExpiresIn: 60}, nil
	})

	acc := &accountstore.Account{Email: "a@example.com"}

	var gotToken string
	var gotExpiry int64
	_, err := g.getToken(context.Background(), acc, func(token string, expiresAtMs int64) {
		gotToken = token
		gotExpiry = expiresAtMs
	})
	if err != nil {
		t.Fatalf("getToken() error = %v", err)
	}
	if gotToken != "new-token" {
		t.Errorf("onRefreshed token = %q, want %q", gotToken, "new-token")
	}
	if gotExpiry <= time.Now().UnixMilli() {
		t.Errorf("onRefreshed expiry %d should be in the future", gotExpiry)
	}
}
