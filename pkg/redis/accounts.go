package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ScratchStore holds the account pool's ancillary, restart-surviving scratch
// state — rate limit cooldowns, quota snapshots, hybrid-strategy health
// scores, and discovered project ids — keyed by account email. It is never
// the system of record: the account list itself always lives in the
// single-file JSON store, and ScratchStore is nil whenever Redis isn't
// configured, in which case every method here is a safe no-op.
type ScratchStore struct {
	client *Client
}

// NewScratchStore creates a new ScratchStore.
func NewScratchStore(client *Client) *ScratchStore {
	return &ScratchStore{client: client}
}

// IsAvailable reports whether the store has a live Redis connection.
func (s *ScratchStore) IsAvailable() bool {
	return s != nil && s.client != nil
}

// RateLimitInfo mirrors an account's per-model rate limit state.
type RateLimitInfo struct {
	IsRateLimited bool  `json:"isRateLimited"`
	ResetTime     int64 `json:"resetTime,omitempty"` // unix ms
	ActualResetMs int64 `json:"actualResetMs,omitempty"`
}

// QuotaInfo mirrors an account's per-model quota snapshot.
type QuotaInfo struct {
	Models      map[string]*ModelQuotaInfo `json:"models"`
	LastChecked int64                      `json:"lastChecked,omitempty"`
}

// ModelQuotaInfo is the remaining-quota fraction for a single model.
type ModelQuotaInfo struct {
	RemainingFraction float64 `json:"remainingFraction"`
	ResetTime         string  `json:"resetTime,omitempty"`
}

// HealthScore is the hybrid strategy's health tracker snapshot for an
// account.
type HealthScore struct {
	Score               float64   `json:"score"`
	LastUpdated         time.Time `json:"lastUpdated"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// GetRateLimit retrieves rate limit info for one account/model pair.
func (s *ScratchStore) GetRateLimit(ctx context.Context, email, modelID string) (*RateLimitInfo, error) {
	data, err := s.client.HGetAll(ctx, PrefixRateLimits+email+":"+modelID)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	info := &RateLimitInfo{}
	if v, ok := data["isRateLimited"]; ok {
		info.IsRateLimited = v == "true"
	}
	if v, ok := data["resetTime"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			info.ResetTime = t.UnixMilli()
		}
	}
	if v, ok := data["actualResetMs"]; ok {
		var ms int64
		if err := json.Unmarshal([]byte(v), &ms); err == nil {
			info.ActualResetMs = ms
		}
	}
	return info, nil
}

// SetRateLimit stores rate limit info, expiring the key at the reset time.
func (s *ScratchStore) SetRateLimit(ctx context.Context, email, modelID string, info *RateLimitInfo) error {
	key := PrefixRateLimits + email + ":" + modelID
	values := map[string]interface{}{
		"isRateLimited": fmt.Sprintf("%t", info.IsRateLimited),
		"actualResetMs": fmt.Sprintf("%d", info.ActualResetMs),
	}
	if info.ResetTime > 0 {
		values["resetTime"] = time.UnixMilli(info.ResetTime).Format(time.RFC3339)
	}

	if err := s.client.HSet(ctx, key, values); err != nil {
		return err
	}

	if info.ResetTime > 0 {
		if ttl := time.Until(time.UnixMilli(info.ResetTime)); ttl > 0 {
			return s.client.Expire(ctx, key, ttl+time.Minute)
		}
	}
	return nil
}

// ClearRateLimits removes every rate limit entry recorded for an account.
func (s *ScratchStore) ClearRateLimits(ctx context.Context, email string) error {
	keys, err := s.client.ScanAll(ctx, PrefixRateLimits+email+":*")
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return s.client.Delete(ctx, keys...)
	}
	return nil
}

// GetQuotas retrieves the cached quota snapshot for an account.
func (s *ScratchStore) GetQuotas(ctx context.Context, email string) (*QuotaInfo, error) {
	data, err := s.client.HGetAll(ctx, PrefixQuotas+email)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	info := &QuotaInfo{Models: make(map[string]*ModelQuotaInfo)}
	for field, value := range data {
		if field == "_lastChecked" {
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				info.LastChecked = t.UnixMilli()
			}
			continue
		}
		var quota ModelQuotaInfo
		if err := json.Unmarshal([]byte(value), &quota); err == nil {
			info.Models[field] = &quota
		}
	}
	return info, nil
}

// SetQuotas stores a quota snapshot with a short TTL — quota figures go
// stale quickly and the gateway re-probes them rather than trusting an old
// cached value indefinitely.
func (s *ScratchStore) SetQuotas(ctx context.Context, email string, info *QuotaInfo) error {
	key := PrefixQuotas + email
	values := map[string]interface{}{}
	if info.LastChecked > 0 {
		values["_lastChecked"] = time.UnixMilli(info.LastChecked).Format(time.RFC3339)
	}
	for modelID, quota := range info.Models {
		data, _ := json.Marshal(quota)
		values[modelID] = string(data)
	}
	if len(values) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, key, values); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, 5*time.Minute)
}

// GetHealth retrieves the hybrid strategy's health score for an account.
func (s *ScratchStore) GetHealth(ctx context.Context, email string) (*HealthScore, error) {
	data, err := s.client.HGetAll(ctx, PrefixHealth+email)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	score := &HealthScore{}
	if v, ok := data["score"]; ok {
		var f float64
		if err := json.Unmarshal([]byte(v), &f); err == nil {
			score.Score = f
		}
	}
	if v, ok := data["lastUpdated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			score.LastUpdated = t
		}
	}
	if v, ok := data["consecutiveFailures"]; ok {
		var n int
		if err := json.Unmarshal([]byte(v), &n); err == nil {
			score.ConsecutiveFailures = n
		}
	}
	return score, nil
}

// SetHealth stores the hybrid strategy's health score for an account.
func (s *ScratchStore) SetHealth(ctx context.Context, email string, score *HealthScore) error {
	values := map[string]interface{}{
		"score":               fmt.Sprintf("%f", score.Score),
		"lastUpdated":         score.LastUpdated.Format(time.RFC3339),
		"consecutiveFailures": fmt.Sprintf("%d", score.ConsecutiveFailures),
	}
	return s.client.HSet(ctx, PrefixHealth+email, values)
}

// TokenBucket is the token-bucket tracker's rate-limiting state for an
// account.
type TokenBucket struct {
	Tokens      float64   `json:"tokens"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// GetTokenBucket retrieves the token-bucket tracker's state for an account.
func (s *ScratchStore) GetTokenBucket(ctx context.Context, email string) (*TokenBucket, error) {
	data, err := s.client.HGetAll(ctx, PrefixTokens+email)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	bucket := &TokenBucket{}
	if v, ok := data["tokens"]; ok {
		var f float64
		if err := json.Unmarshal([]byte(v), &f); err == nil {
			bucket.Tokens = f
		}
	}
	if v, ok := data["lastUpdated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			bucket.LastUpdated = t
		}
	}
	return bucket, nil
}

// SetTokenBucket stores the token-bucket tracker's state for an account.
func (s *ScratchStore) SetTokenBucket(ctx context.Context, email string, bucket *TokenBucket) error {
	values := map[string]interface{}{
		"tokens":      fmt.Sprintf("%f", bucket.Tokens),
		"lastUpdated": bucket.LastUpdated.Format(time.RFC3339),
	}
	return s.client.HSet(ctx, PrefixTokens+email, values)
}

// GetCachedProject retrieves a discovered project id for an account.
func (s *ScratchStore) GetCachedProject(ctx context.Context, email string) (string, error) {
	return s.client.GetString(ctx, PrefixProjectCache+email)
}

// SetCachedProject caches a discovered project id with a TTL.
func (s *ScratchStore) SetCachedProject(ctx context.Context, email, projectID string, ttl time.Duration) error {
	return s.client.SetString(ctx, PrefixProjectCache+email, projectID, ttl)
}

// ClearAccountScratch drops every scratch entry for an account, called when
// the account is removed from the pool entirely.
func (s *ScratchStore) ClearAccountScratch(ctx context.Context, email string) error {
	_ = s.ClearRateLimits(ctx, email)
	if err := s.client.Delete(ctx, PrefixQuotas+email); err != nil {
		return err
	}
	if err := s.client.Delete(ctx, PrefixHealth+email); err != nil {
		return err
	}
	if err := s.client.Delete(ctx, PrefixTokens+email); err != nil {
		return err
	}
	return s.client.Delete(ctx, PrefixProjectCache+email)
}
