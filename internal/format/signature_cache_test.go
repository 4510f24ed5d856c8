package format

import (
	"strings"
	"testing"
)

func validSignature(suffix string) string {
	return strings.Repeat("s", 60) + suffix
}

func TestSignatureCacheRoundTrip(t *testing.T) {
	c := NewSignatureCache(nil)
	sig := validSignature("-a")

	c.CacheSignature("tool-use-1", sig)

	if got := c.GetCachedSignature("tool-use-1"); got != sig {
		t.Errorf("GetCachedSignature() = %q, want %q", got, sig)
	}
}

func TestSignatureCacheRejectsShortSignatures(t *testing.T) {
	c := NewSignatureCache(nil)

	c.CacheSignature("tool-use-1", "too-short")

	if got := c.GetCachedSignature("tool-use-1"); got != "" {
		t.Errorf("expected short signature to be rejected, got %q", got)
	}
}

func TestSignatureCacheRejectsEmptyToolUseID(t *testing.T) {
	c := NewSignatureCache(nil)

	c.CacheSignature("", validSignature("-a"))

	if got := c.GetCachedSignature(""); got != "" {
		t.Errorf("expected empty tool_use_id to be ignored, got %q", got)
	}
}

func TestSignatureCacheMissReturnsEmpty(t *testing.T) {
	c := NewSignatureCache(nil)

	if got := c.GetCachedSignature("never-cached"); got != "" {
		t.Errorf("expected empty string for a cache miss, got %q", got)
	}
}

func TestThinkingSignatureRoundTrip(t *testing.T) {
	c := NewSignatureCache(nil)
	sig := validSignature("-thought")

	c.CacheThinkingSignature(sig, "gemini-2.5-pro")

	if got := c.GetCachedSignatureFamily(sig); got != "gemini-2.5-pro" {
		t.Errorf("GetCachedSignatureFamily() = %q, want %q", got, "gemini-2.5-pro")
	}
}

func TestClearThinkingSignatureCache(t *testing.T) {
	c := NewSignatureCache(nil)
	sig := validSignature("-thought")

	c.CacheThinkingSignature(sig, "gemini-2.5-pro")
	c.ClearThinkingSignatureCache()

	if got := c.GetCachedSignatureFamily(sig); got != "" {
		t.Errorf("expected thinking cache to be empty after Clear, got %q", got)
	}
}
