// Package config provides configuration constants and runtime configuration management.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

const Version = "1.0.0"

// Upstream Cloud Code endpoints, primary then fallback.
const (
	AntigravityEndpointDaily = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	AntigravityEndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// AntigravityEndpointFallbacks is the endpoint fallback order (daily → prod).
var AntigravityEndpointFallbacks = []string{
	AntigravityEndpointDaily,
	AntigravityEndpointProd,
}

// LoadCodeAssistEndpoints tries prod first: loadCodeAssist behaves better on
// prod for fresh, unprovisioned accounts.
var LoadCodeAssistEndpoints = []string{
	AntigravityEndpointProd,
	AntigravityEndpointDaily,
}

var OnboardUserEndpoints = AntigravityEndpointFallbacks

// DefaultProjectID is used when project discovery fails and the account has none.
const DefaultProjectID = "rising-fact-p41fc"

// AntigravityHeaders are the fixed headers attached to every upstream call.
func AntigravityHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        getPlatformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   getClientMetadata(),
	}
}

func LoadCodeAssistHeaders() map[string]string {
	return AntigravityHeaders()
}

var (
	OAuthClientID              = OAuthConfig.ClientID
	OAuthClientSecret          = OAuthConfig.ClientSecret
	OAuthAuthURL               = OAuthConfig.AuthURL
	OAuthTokenURL              = OAuthConfig.TokenURL
	OAuthUserInfoURL           = OAuthConfig.UserInfoURL
	OAuthCallbackPort          = OAuthConfig.CallbackPort
	OAuthCallbackFallbackPorts = OAuthConfig.CallbackFallbackPorts
	OAuthScopes                = OAuthConfig.Scopes
)

func getPlatformUserAgent() string {
	return fmt.Sprintf("antigravity/1.11.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// Client-Metadata enum values. The gateway self-identifies generically
// (IDE_UNSPECIFIED / PLATFORM_UNSPECIFIED / GEMINI) rather than claiming to
// be the Antigravity IDE itself.
const (
	IdeTypeUnspecified = "IDE_UNSPECIFIED"
)

const (
	PlatformUnspecified = "PLATFORM_UNSPECIFIED"
)

const (
	PluginTypeGemini = "GEMINI"
)

func getClientMetadata() string {
	metadata := map[string]string{
		"ideType":    IdeTypeUnspecified,
		"platform":   PlatformUnspecified,
		"pluginType": PluginTypeGemini,
	}
	data, _ := json.Marshal(metadata)
	return string(data)
}

// Timing constants.
const (
	TokenRefreshSafetyWindowMs = 60 * 1000 // refresh a token this long before it expires
	RequestBodyLimit     int64 = 50 * 1024 * 1024
	DefaultPort                = 8080
)

// Rate limit and retry constants.
const (
	DefaultCooldownMs      = 60 * 1000 // default cooldown after a rate limit hit
	MaxRetries             = 5
	MaxAccounts            = 10
	MaxWaitBeforeErrorMs   = 120000 // treat as unavailable beyond this wait
	RateLimitDedupWindowMs = 2000
	RateLimitStateResetMs  = 120000 // dedup state forgotten after this long idle
	FirstRetryDelayMs      = 1000
	SwitchAccountDelayMs   = 5000
	MaxConsecutiveFailures = 3
	ExtendedCooldownMs     = 60000
	MaxCapacityRetries     = 5
	MinBackoffMs           = 2000
	CapacityJitterMaxMs    = 10000 // +/-5s jitter range
	TokenRefreshTimeoutMs  = 30000
	UpstreamUnaryTimeoutMs = 120000
	IdleReadTimeoutMs      = 60000
)

// CapacityBackoffTiersMs is the progressive backoff schedule for model
// capacity exhaustion, used by the dispatcher's nested-retry bookkeeping.
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// QuotaExhaustedBackoffTiersMs is the progressive backoff schedule for
// QUOTA_EXHAUSTED errors (60s, 5m, 30m, 2h).
var QuotaExhaustedBackoffTiersMs = []int64{60000, 300000, 1800000, 7200000}

// BackoffByErrorType is the smart backoff applied per classified error type
// when the upstream gives no explicit reset time.
var BackoffByErrorType = map[string]int64{
	"RATE_LIMIT_EXCEEDED":      30000,
	"MODEL_CAPACITY_EXHAUSTED": 15000,
	"SERVER_ERROR":             20000,
	"UNKNOWN":                  60000,
}

// Thought-signature constants.
const (
	MinSignatureLength       = 50
	SignatureCacheTTLMs      = 2 * 60 * 60 * 1000 // 2h
	SignatureSweepIntervalMs = 5 * 60 * 1000      // 5min
)

// Tool-name cache constants.
const (
	ToolNameCacheTTLMs      = 30 * 60 * 1000 // 30min
	ToolNameCacheCap        = 512
	ToolNameSweepIntervalMs = 10 * 60 * 1000 // 10min
	ToolNameMaxLength       = 128
)

// ModelValidationCacheTTLMs governs how long the upstream's fetchAvailableModels
// response is trusted before IsValidModel re-fetches it.
const ModelValidationCacheTTLMs = 10 * 60 * 1000 // 10min

// Account selection strategies.
var SelectionStrategies = []string{"sticky", "round-robin", "hybrid"}

const DefaultSelectionStrategy = "round-robin"

var StrategyLabels = map[string]string{
	"sticky":      "Sticky (Cache Optimized)",
	"round-robin": "Round Robin (Load Balanced)",
	"hybrid":      "Hybrid (Smart Distribution)",
}

// Gemini-specific limits.
const (
	GeminiMaxOutputTokens = 16384
	GeminiSkipSignature   = "skip_thought_signature_validator"
)

// OAuth configuration. ClientID/Secret are read from OAUTH_CLIENT_ID and
// OAUTH_CLIENT_SECRET; the built-in defaults are placeholders, not a working
// registered application.
type OAuthConfigType struct {
	ClientID              string
	ClientSecret          string
	AuthURL               string
	TokenURL              string
	UserInfoURL           string
	CallbackPort          int
	CallbackFallbackPorts []int
	Scopes                []string
}

var OAuthConfig = OAuthConfigType{
	ClientID:              envOr("OAUTH_CLIENT_ID", "YOUR_OAUTH_CLIENT_ID.apps.googleusercontent.com"),
	ClientSecret:          envOr("OAUTH_CLIENT_SECRET", "YOUR_OAUTH_CLIENT_SECRET"),
	AuthURL:               "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:              "https://oauth2.googleapis.com/token",
	UserInfoURL:           "https://www.googleapis.com/oauth2/v1/userinfo",
	CallbackPort:          getOAuthCallbackPort(),
	CallbackFallbackPorts: []int{51122, 51123, 51124, 51125, 51126},
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	},
}

func OAuthRedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", OAuthConfig.CallbackPort)
}

// AntigravitySystemInstruction is injected as the native systemInstruction
// so the upstream does not identify the caller as a different client.
const AntigravitySystemInstruction = `You are a helpful, general-purpose coding assistant. Absolute paths only. Be proactive about completing the user's task.`

// ModelFallbackMap maps a primary model to its fallback when quota is exhausted.
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":         "claude-opus-4-6-thinking",
	"gemini-3-pro-low":          "claude-sonnet-4-5",
	"gemini-3-flash":            "claude-sonnet-4-5-thinking",
	"claude-opus-4-6-thinking":  "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":         "gemini-3-flash",
}

// ModelFamily represents the model family type.
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

var dateSuffixRE = regexp.MustCompile(`-\d{8}$`)

// NormalizeModelName strips a trailing -YYYYMMDD date suffix and redirects
// haiku-named models to the configured lightweight Gemini model.
func NormalizeModelName(modelName string) string {
	name := dateSuffixRE.ReplaceAllString(modelName, "")
	if strings.Contains(strings.ToLower(name), "haiku") {
		return "gemini-2.5-flash-lite"
	}
	return name
}

func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

var geminiVersionRE = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel reports whether a model name identifies a thinking-capable variant.
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "claude") && strings.Contains(lower, "thinking") {
		return true
	}

	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		if m := geminiVersionRE.FindStringSubmatch(lower); len(m) >= 2 {
			if version, err := strconv.Atoi(m[1]); err == nil && version >= 3 {
				return true
			}
		}
	}

	return false
}

func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

func HasFallback(modelName string) bool {
	_, ok := ModelFallbackMap[modelName]
	return ok
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getOAuthCallbackPort() int {
	if v := os.Getenv("OAUTH_CALLBACK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			return port
		}
	}
	return 51121
}

// HealthScoreConfig configures the hybrid strategy's health scoring.
type HealthScoreConfig struct {
	Initial          float64 `json:"initial"`
	SuccessReward    float64 `json:"successReward"`
	RateLimitPenalty float64 `json:"rateLimitPenalty"`
	FailurePenalty   float64 `json:"failurePenalty"`
	RecoveryPerHour  float64 `json:"recoveryPerHour"`
	MinUsable        float64 `json:"minUsable"`
	MaxScore         float64 `json:"maxScore"`
}

// TokenBucketConfig configures the hybrid strategy's client-side rate limiting.
type TokenBucketConfig struct {
	MaxTokens       float64 `json:"maxTokens"`
	TokensPerMinute float64 `json:"tokensPerMinute"`
	InitialTokens   float64 `json:"initialTokens"`
}

// QuotaConfig configures quota-awareness thresholds for the hybrid strategy.
type QuotaConfig struct {
	LowThreshold      float64 `json:"lowThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold"`
	StaleMs           int64   `json:"staleMs"`
}

// WeightsConfig weighs the terms of the hybrid strategy's composite score.
type WeightsConfig struct {
	Health float64 `json:"health"`
	Tokens float64 `json:"tokens"`
	Quota  float64 `json:"quota"`
	Lru    float64 `json:"lru"`
}

// AccountSelectionConfig configures account selection behavior.
type AccountSelectionConfig struct {
	Strategy    string             `json:"strategy"`
	HealthScore *HealthScoreConfig `json:"healthScore,omitempty"`
	TokenBucket *TokenBucketConfig `json:"tokenBucket,omitempty"`
	Quota       *QuotaConfig       `json:"quota,omitempty"`
	Weights     *WeightsConfig     `json:"weights,omitempty"`
}

// DefaultAccountSelectionConfig is the "Default (3-5 accounts)" server
// preset, scaled to this gateway's hard 10-account cap.
func DefaultAccountSelectionConfig() AccountSelectionConfig {
	return AccountSelectionConfig{
		Strategy: DefaultSelectionStrategy,
		HealthScore: &HealthScoreConfig{
			Initial: 70, SuccessReward: 1, RateLimitPenalty: -10,
			FailurePenalty: -20, RecoveryPerHour: 10, MinUsable: 50, MaxScore: 100,
		},
		TokenBucket: &TokenBucketConfig{MaxTokens: 50, TokensPerMinute: 6, InitialTokens: 50},
		Quota:       &QuotaConfig{LowThreshold: 0.10, CriticalThreshold: 0.05, StaleMs: 300000},
		Weights:     &WeightsConfig{Health: 2, Tokens: 5, Quota: 3, Lru: 0.1},
	}
}
