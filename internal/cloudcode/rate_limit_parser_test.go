package cloudcode

import (
	"net/http"
	"testing"
)

func TestParseResetTimeFromRetryAfterHeader(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "5")

	got := ParseResetTime(h, "")
	if got != 5000 {
		t.Errorf("ParseResetTime() = %d, want 5000", got)
	}
}

func TestParseResetTimeFromQuotaResetDelayBody(t *testing.T) {
	got := ParseResetTime(http.Header{}, `"quotaResetDelay": "30s"`)
	if got != 30000 {
		t.Errorf("ParseResetTime() = %d, want 30000", got)
	}
}

func TestParseResetTimeNoSignalReturnsNegativeOne(t *testing.T) {
	got := ParseResetTime(http.Header{}, "no useful information here")
	if got != -1 {
		t.Errorf("ParseResetTime() = %d, want -1", got)
	}
}

func TestParseRateLimitReasonByStatusCode(t *testing.T) {
	tests := []struct {
		name   string
		status int
		text   string
		want   RateLimitReason
	}{
		{"503 is model capacity", 503, "", RateLimitReasonModelCapacityExhausted},
		{"529 is model capacity", 529, "", RateLimitReasonModelCapacityExhausted},
		{"500 is server error", 500, "", RateLimitReasonServerError},
		{"quota exhausted text", 0, "RESOURCE_EXHAUSTED: daily limit reached", RateLimitReasonQuotaExhausted},
		{"rate limit text", 0, "Too Many Requests, please slow down", RateLimitReasonRateLimitExceeded},
		{"unrecognized text", 0, "something unrelated broke", RateLimitReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRateLimitReason(tt.text, tt.status)
			if got != tt.want {
				t.Errorf("ParseRateLimitReason(%q, %d) = %v, want %v", tt.text, tt.status, got, tt.want)
			}
		})
	}
}

func TestIsPermanentAuthFailure(t *testing.T) {
	if !IsPermanentAuthFailure("error: invalid_grant, token revoked") {
		t.Error("expected invalid_grant to be a permanent auth failure")
	}
	if IsPermanentAuthFailure("rate limit exceeded") {
		t.Error("rate limit text should not be a permanent auth failure")
	}
}
