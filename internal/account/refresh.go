package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/auth"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/errors"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
)

// refreshGate serializes concurrent token refreshes per account so that
// N simultaneous get_token calls for the same account produce at most one
// upstream refresh RPC, with every caller observing the same result. A
// cached credential narrows this race but never eliminates it on its own.
type refreshGate struct {
	mu       sync.Mutex
	inFlight map[string]*refreshCall

	refresh func(ctx context.Context, compositeRefresh string) (*auth.RefreshResult, error)
}

type refreshCall struct {
	done  chan struct{}
	token string
	expMs int64
	err   error
}

func newRefreshGate() *refreshGate {
	return newRefreshGateWithRefresher(auth.RefreshAccessToken)
}

// newRefreshGateWithRefresher lets tests swap in a fake refresher instead of
// hitting the real OAuth token endpoint.
func newRefreshGateWithRefresher(refresh func(ctx context.Context, compositeRefresh string) (*auth.RefreshResult, error)) *refreshGate {
	return &refreshGate{inFlight: make(map[string]*refreshCall), refresh: refresh}
}

// getToken returns a valid access token for the account, refreshing it if
// it's expired or within the safety window, sharing the refresh with any
// other concurrent caller for the same email.
func (g *refreshGate) getToken(ctx context.Context, acc *accountstore.Account, onRefreshed func(token string, expiresAtMs int64)) (string, error) {
	now := time.Now().UnixMilli()
	if acc.AccessToken != "" && acc.AccessTokenExpiresAt > now+config.TokenRefreshSafetyWindowMs {
		return acc.AccessToken, nil
	}

	g.mu.Lock()
	if call, ok := g.inFlight[acc.Email]; ok {
		g.mu.Unlock()
		return waitForRefresh(ctx, call)
	}

	call := &refreshCall{done: make(chan struct{})}
	g.inFlight[acc.Email] = call
	g.mu.Unlock()

	refreshCtx, cancel := context.WithTimeout(context.Background(), time.Duration(config.TokenRefreshTimeoutMs)*time.Millisecond)
	defer cancel()

	result, err := g.refresh(refreshCtx, acc.RefreshToken)

	g.mu.Lock()
	delete(g.inFlight, acc.Email)
	g.mu.Unlock()

	if err != nil {
		call.err = errors.Unauthorized(fmt.Sprintf("token refresh failed for %s: %v", acc.Email, err))
		close(call.done)
		return "", call.err
	}

	expiresAt := time.Now().UnixMilli() + int64(result.ExpiresIn)*1000
	call.token = result.AccessToken
	call.expMs = expiresAt
	close(call.done)

	if onRefreshed != nil {
		onRefreshed(result.AccessToken, expiresAt)
	}
	utils.Debug("[account] refreshed token for %s, expires in %ds", acc.Email, result.ExpiresIn)
	return result.AccessToken, nil
}

func waitForRefresh(ctx context.Context, call *refreshCall) (string, error) {
	select {
	case <-call.done:
		return call.token, call.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
