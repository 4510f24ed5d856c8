// Package account implements the account pool: selection, credential
// refresh, and lifecycle mutation over a bounded set of upstream accounts.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/account/strategies"
	"github.com/poemonsense/antigravity-proxy-go/internal/auth"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/errors"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/accountstore"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// Pool owns the account list, its selection strategy, its persisted store,
// and per-account token refresh serialization.
type Pool struct {
	mu sync.RWMutex

	accounts     []*accountstore.Account
	currentIndex int
	strategyName string
	strategy     strategies.Strategy

	store   *accountstore.Store
	refresh *refreshGate
	scratch *redis.ScratchStore
}

// NewPool loads any persisted accounts from dataDir and starts the pool's
// background writer. strategyName may be empty to use the default strategy.
// redisClient is optional: when nil, quota/health/project-id scratch state
// lives only in memory and is rebuilt on restart instead of being cached.
func NewPool(dataDir, strategyName string, sel config.AccountSelectionConfig, redisClient *redis.Client) (*Pool, error) {
	p := &Pool{
		strategyName: strategyName,
		refresh:      newRefreshGate(),
	}
	if redisClient != nil {
		p.scratch = redis.NewScratchStore(redisClient)
	}

	store, err := accountstore.NewStore(dataDir, p.snapshotLocked)
	if err != nil {
		return nil, err
	}
	p.store = store

	loaded, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("account: load persisted accounts: %w", err)
	}
	p.accounts = loaded

	p.strategy = strategies.NewStrategy(strategyName, strategies.ConfigFromAccountSelection(sel), p.scratch)
	utils.Info("[account] pool ready with %d account(s), strategy=%s", len(p.accounts), strategies.GetStrategyLabel(strategyName))
	return p, nil
}

// snapshotLocked is handed to the store as its write source. The store only
// calls it from its own goroutine after a dirty signal, so a best-effort
// read lock is enough to avoid torn reads against concurrent mutators.
func (p *Pool) snapshotLocked() []*accountstore.Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*accountstore.Account, len(p.accounts))
	for i, a := range p.accounts {
		out[i] = a.Clone()
	}
	return out
}

func (p *Pool) Close() { p.store.Close() }

// Reload discards in-memory account state and reloads it from the
// persisted store, for the admin surface's "reload from disk" action.
func (p *Pool) Reload() error {
	loaded, err := p.store.Load()
	if err != nil {
		return fmt.Errorf("account: reload persisted accounts: %w", err)
	}
	p.mu.Lock()
	p.accounts = loaded
	p.currentIndex = 0
	p.mu.Unlock()
	return nil
}

// SelectResult is returned by SelectAccount.
type SelectResult struct {
	Account *accountstore.Account
	WaitMs  int64
}

// SelectNext delegates to the active
// strategy over the full account list, translating a nil result into a
// classified NoAccountsAvailable error.
func (p *Pool) SelectNext() (*SelectResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return nil, errors.NoAccountsAvailable(false)
	}

	result := p.strategy.SelectAccount(p.accounts, strategies.SelectOptions{
		CurrentIndex: p.currentIndex,
		OnSave:       p.store.MarkDirty,
	})

	if result.Account == nil {
		return &SelectResult{WaitMs: result.WaitMs}, errors.NoAccountsAvailable(p.allRateLimitedLocked())
	}

	p.currentIndex = result.Index
	return &SelectResult{Account: result.Account, WaitMs: result.WaitMs}, nil
}

func (p *Pool) allRateLimitedLocked() bool {
	now := time.Now().UnixMilli()
	for _, a := range p.accounts {
		if a.IsInvalid || !a.Enabled {
			continue
		}
		if !a.IsRateLimited {
			return false
		}
		if a.RateLimitResetAt != nil && now >= *a.RateLimitResetAt {
			return false
		}
	}
	return true
}

// GetToken implements get_token(): returns a valid access token for the
// account, refreshing it through the shared refresh gate if needed.
func (p *Pool) GetToken(ctx context.Context, email string) (string, error) {
	acc := p.find(email)
	if acc == nil {
		return "", errors.Internal(fmt.Sprintf("unknown account %s", email), nil)
	}
	if acc.APIKey != "" {
		return acc.APIKey, nil
	}
	return p.refresh.getToken(ctx, acc, func(token string, expiresAtMs int64) {
		p.mu.Lock()
		acc.AccessToken = token
		acc.AccessTokenExpiresAt = expiresAtMs
		p.mu.Unlock()
		p.store.MarkDirty()
	})
}

// GetProject implements get_project(): returns the account's cached
// project id, discovering and caching it on first use.
func (p *Pool) GetProject(ctx context.Context, email string) (string, error) {
	acc := p.find(email)
	if acc == nil {
		return "", errors.Internal(fmt.Sprintf("unknown account %s", email), nil)
	}
	p.mu.RLock()
	projectID := acc.ProjectID
	p.mu.RUnlock()
	if projectID != "" {
		return projectID, nil
	}

	if p.scratch.IsAvailable() {
		if cached, err := p.scratch.GetCachedProject(ctx, email); err == nil && cached != "" {
			p.mu.Lock()
			acc.ProjectID = cached
			p.mu.Unlock()
			return cached, nil
		}
	}

	token, err := p.GetToken(ctx, email)
	if err != nil {
		return "", err
	}
	discovered, err := auth.DiscoverProjectID(ctx, token)
	if err != nil {
		return "", errors.UpstreamTransient("project discovery failed", err)
	}

	p.mu.Lock()
	acc.ProjectID = discovered
	p.mu.Unlock()
	p.store.MarkDirty()

	if p.scratch.IsAvailable() {
		if err := p.scratch.SetCachedProject(ctx, email, discovered, time.Hour); err != nil {
			utils.Debug("[account] failed to cache project id for %s: %v", email, err)
		}
	}
	return discovered, nil
}

// MarkRateLimited implements mark_rate_limited(): sets the cooldown ticket
// and notifies the strategy.
func (p *Pool) MarkRateLimited(email string, retryAfterMs int64) {
	if retryAfterMs <= 0 {
		retryAfterMs = config.DefaultCooldownMs
	}
	p.mu.Lock()
	acc := p.findLocked(email)
	if acc == nil {
		p.mu.Unlock()
		return
	}
	resetAt := time.Now().UnixMilli() + retryAfterMs
	acc.IsRateLimited = true
	acc.RateLimitResetAt = &resetAt
	p.mu.Unlock()

	p.strategy.OnRateLimit(acc)
	p.store.MarkDirty()
	utils.Info("[account] %s rate-limited for %s", email, utils.FormatDuration(retryAfterMs))

	if p.scratch.IsAvailable() {
		info := &redis.RateLimitInfo{IsRateLimited: true, ResetTime: resetAt, ActualResetMs: retryAfterMs}
		if err := p.scratch.SetRateLimit(context.Background(), email, accountScratchModel, info); err != nil {
			utils.Debug("[account] failed to cache rate limit for %s: %v", email, err)
		}
	}
}

// accountScratchModel keys the account-level (not per-model) rate limit
// cooldown in the scratch store.
const accountScratchModel = "_account"

// MarkInvalid implements mark_invalid(): a terminal failure the account
// cannot self-heal from (auth revoked, account closed).
func (p *Pool) MarkInvalid(email, reason string) {
	p.mu.Lock()
	acc := p.findLocked(email)
	if acc == nil {
		p.mu.Unlock()
		return
	}
	acc.IsInvalid = true
	acc.InvalidReason = reason
	p.mu.Unlock()

	p.strategy.OnFailure(acc)
	p.store.MarkDirty()
	utils.Warn("[account] %s marked invalid: %s", email, reason)
}

// NotifySuccess, NotifyFailure forward request outcomes to the active
// strategy's health tracking (no-ops under round-robin).
func (p *Pool) NotifySuccess(email string) {
	if acc := p.find(email); acc != nil {
		p.strategy.OnSuccess(acc)
	}
}

func (p *Pool) NotifyFailure(email string) {
	if acc := p.find(email); acc != nil {
		p.strategy.OnFailure(acc)
	}
}

// UpdateSubscription records a freshly-fetched subscription tier and project
// id for an account, used by the quota tracker strategy and admin surfaces.
func (p *Pool) UpdateSubscription(email, tier, projectID string) {
	p.mu.Lock()
	acc := p.findLocked(email)
	if acc == nil {
		p.mu.Unlock()
		return
	}
	acc.SubscriptionTier = tier
	if projectID != "" {
		acc.ProjectID = projectID
	}
	p.mu.Unlock()
	p.store.MarkDirty()
}

// UpdateQuota records a freshly-fetched quota snapshot for an account.
func (p *Pool) UpdateQuota(email string, remaining, total float64) {
	p.mu.Lock()
	acc := p.findLocked(email)
	if acc == nil {
		p.mu.Unlock()
		return
	}
	acc.QuotaRemaining = remaining
	acc.QuotaTotal = total
	acc.QuotaUpdatedAt = time.Now().UnixMilli()
	p.mu.Unlock()
	p.store.MarkDirty()

	if p.scratch.IsAvailable() {
		info := &redis.QuotaInfo{
			Models:      map[string]*redis.ModelQuotaInfo{"_overall": {RemainingFraction: remaining}},
			LastChecked: time.Now().UnixMilli(),
		}
		if err := p.scratch.SetQuotas(context.Background(), email, info); err != nil {
			utils.Debug("[account] failed to cache quota snapshot for %s: %v", email, err)
		}
	}
}

// Revalidate implements revalidate(): clears the invalid flag so the
// account re-enters the eligible set on next selection.
func (p *Pool) Revalidate(email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc := p.findLocked(email)
	if acc == nil {
		return errors.Internal(fmt.Sprintf("unknown account %s", email), nil)
	}
	acc.IsInvalid = false
	acc.InvalidReason = ""
	p.store.MarkDirty()
	return nil
}

// ResetAllRateLimits implements reset_all_rate_limits().
func (p *Pool) ResetAllRateLimits() {
	p.mu.Lock()
	for _, a := range p.accounts {
		a.IsRateLimited = false
		a.RateLimitResetAt = nil
	}
	p.mu.Unlock()
	p.store.MarkDirty()
}

// Delete implements delete(): removes the account from the pool entirely.
func (p *Pool) Delete(email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.accounts {
		if a.Email == email {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			p.store.MarkDirty()
			if p.scratch.IsAvailable() {
				if err := p.scratch.ClearAccountScratch(context.Background(), email); err != nil {
					utils.Debug("[account] failed to clear scratch state for %s: %v", email, err)
				}
			}
			return nil
		}
	}
	return errors.Internal(fmt.Sprintf("unknown account %s", email), nil)
}

// AddOrReplace implements add_or_replace(): inserts a new account, or
// replaces the whole record of an existing one with the same email (only
// AddedAt is carried over), enforcing a hard cap of ten accounts
// (CapacityExceeded beyond that).
func (p *Pool) AddOrReplace(acc *accountstore.Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, existing := range p.accounts {
		if existing.Email == acc.Email {
			acc.AddedAt = existing.AddedAt
			p.accounts[i] = acc
			p.store.MarkDirty()
			return nil
		}
	}

	if len(p.accounts) >= config.MaxAccounts {
		return errors.CapacityExceeded(fmt.Sprintf("pool already holds the maximum of %d accounts", config.MaxAccounts))
	}

	if acc.AddedAt == 0 {
		acc.AddedAt = time.Now().UnixMilli()
	}
	if !acc.Enabled {
		acc.Enabled = true
	}
	p.accounts = append(p.accounts, acc)
	p.store.MarkDirty()
	return nil
}

// ClearAllTokenCaches implements clear_all_token_caches(): drops every
// account's cached access token, forcing a refresh on next use.
func (p *Pool) ClearAllTokenCaches() {
	p.mu.Lock()
	for _, a := range p.accounts {
		a.AccessToken = ""
		a.AccessTokenExpiresAt = 0
	}
	p.mu.Unlock()
	p.store.MarkDirty()
}

// ClearTokenCache drops one account's cached access token and discovered
// project id, forcing both to be re-fetched on next use.
func (p *Pool) ClearTokenCache(email string) error {
	p.mu.Lock()
	acc := p.findLocked(email)
	if acc == nil {
		p.mu.Unlock()
		return errors.Internal(fmt.Sprintf("unknown account %s", email), nil)
	}
	acc.AccessToken = ""
	acc.AccessTokenExpiresAt = 0
	acc.ProjectID = ""
	p.mu.Unlock()
	p.store.MarkDirty()
	return nil
}

// SetEnabled toggles whether an account participates in selection.
func (p *Pool) SetEnabled(email string, enabled bool) error {
	p.mu.Lock()
	acc := p.findLocked(email)
	if acc == nil {
		p.mu.Unlock()
		return errors.Internal(fmt.Sprintf("unknown account %s", email), nil)
	}
	acc.Enabled = enabled
	p.mu.Unlock()
	p.store.MarkDirty()
	return nil
}

// Status is the pool's public snapshot for the admin/health surfaces.
type Status struct {
	Total       int                     `json:"total"`
	Available   int                     `json:"available"`
	RateLimited int                     `json:"rateLimited"`
	Invalid     int                     `json:"invalid"`
	Strategy    string                  `json:"strategy"`
	Accounts    []*accountstore.Account `json:"accounts"`
}

// GetStatus returns a snapshot of every account's current status.
func (p *Pool) GetStatus() *Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now().UnixMilli()
	status := &Status{Total: len(p.accounts), Strategy: p.strategyName, Accounts: make([]*accountstore.Account, 0, len(p.accounts))}
	for _, a := range p.accounts {
		switch {
		case a.IsInvalid:
			status.Invalid++
		case a.IsRateLimited && (a.RateLimitResetAt == nil || now < *a.RateLimitResetAt):
			status.RateLimited++
		default:
			status.Available++
		}
		status.Accounts = append(status.Accounts, a.Clone())
	}
	return status
}

func (p *Pool) find(email string) *accountstore.Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.findLocked(email)
}

func (p *Pool) findLocked(email string) *accountstore.Account {
	for _, a := range p.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}
