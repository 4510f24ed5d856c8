package cloudcode

import "testing"

func TestRateLimitBackoffDedupsWithinWindow(t *testing.T) {
	email := "dedup@example.com"
	defer ClearRateLimitState(email)

	first := GetRateLimitBackoff(email, 0)
	if first.IsDuplicate {
		t.Fatal("first hit should not be a duplicate")
	}

	second := GetRateLimitBackoff(email, 0)
	if !second.IsDuplicate {
		t.Error("a hit immediately following the first should be deduped")
	}
	if second.Attempt != first.Attempt {
		t.Errorf("duplicate hit attempt = %d, want unchanged %d", second.Attempt, first.Attempt)
	}
}

func TestRateLimitBackoffUsesServerRetryAfterWhenGiven(t *testing.T) {
	email := "server-retry@example.com"
	defer ClearRateLimitState(email)

	result := GetRateLimitBackoff(email, 45000)
	if result.DelayMs < 45000 {
		t.Errorf("DelayMs = %d, want at least the server-provided 45000", result.DelayMs)
	}
}

func TestClearRateLimitStateResetsAttemptCounter(t *testing.T) {
	email := "clear@example.com"

	GetRateLimitBackoff(email, 0)
	ClearRateLimitState(email)

	result := GetRateLimitBackoff(email, 0)
	defer ClearRateLimitState(email)

	if result.Attempt != 1 {
		t.Errorf("Attempt after clearing = %d, want 1 (fresh state)", result.Attempt)
	}
	if result.IsDuplicate {
		t.Error("expected a fresh state after Clear, not a duplicate")
	}
}

func TestCalculateSmartBackoffUsesServerResetWhenPositive(t *testing.T) {
	got := CalculateSmartBackoff("", 9000, 0)
	if got != 9000 {
		t.Errorf("CalculateSmartBackoff() = %d, want 9000", got)
	}
}

func TestCalculateSmartBackoffQuotaExhaustedEscalatesByTier(t *testing.T) {
	first := CalculateSmartBackoff("quota exceeded", 0, 0)
	later := CalculateSmartBackoff("quota exceeded", 0, 3)

	if later <= first {
		t.Errorf("expected later-tier backoff %d to exceed first-tier %d", later, first)
	}
}
