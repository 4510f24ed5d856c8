package format

import (
	"strconv"
	"testing"
)

func TestToolNameCacheRoundTrip(t *testing.T) {
	c := NewToolNameCache()

	original := "My Weird Tool Name!!"
	sanitized := c.Record("session-1", "gemini-pro", original)

	if sanitized == original {
		t.Fatalf("expected sanitization to change %q", original)
	}

	got := c.Resolve("session-1", "gemini-pro", sanitized)
	if got != original {
		t.Errorf("Resolve() = %q, want %q", got, original)
	}
}

func TestToolNameCacheRecordIsNoOpForAlreadyCleanNames(t *testing.T) {
	c := NewToolNameCache()

	sanitized := c.Record("session-1", "gemini-pro", "clean_tool_name")
	if sanitized != "clean_tool_name" {
		t.Fatalf("Record() = %q, want unchanged name", sanitized)
	}

	got := c.Resolve("session-1", "gemini-pro", "clean_tool_name")
	if got != "clean_tool_name" {
		t.Errorf("Resolve() = %q, want %q (no mapping was ever stored)", got, "clean_tool_name")
	}
}

func TestToolNameCacheResolveMissIsIdentity(t *testing.T) {
	c := NewToolNameCache()

	got := c.Resolve("unknown-session", "gemini-pro", "some_name")
	if got != "some_name" {
		t.Errorf("Resolve() on a miss = %q, want the input unchanged", got)
	}
}

func TestToolNameCacheIsolatesBySessionAndModel(t *testing.T) {
	c := NewToolNameCache()

	sanitized := c.Record("session-1", "gemini-pro", "My Tool!")
	sanitizedOther := c.Record("session-2", "gemini-pro", "My Tool?")

	if c.Resolve("session-2", "gemini-pro", sanitized) == "My Tool!" {
		t.Error("mapping leaked across session IDs")
	}
	if got := c.Resolve("session-2", "gemini-pro", sanitizedOther); got != "My Tool?" {
		t.Errorf("Resolve() for session-2 = %q, want %q", got, "My Tool?")
	}
}

func TestToolNameCacheEvictsOldestBeyondCap(t *testing.T) {
	c := NewToolNameCache()

	// Fill one entry beyond capacity; the very first recorded mapping should
	// be evicted first (FIFO), its Resolve falling back to the sanitized name.
	first := c.Record("session-1", "gemini-pro", "First Tool!")
	for i := 0; i < 600; i++ {
		c.Record("session-1", "gemini-pro", "Tool Number "+strconv.Itoa(i)+"!")
	}

	if got := c.Resolve("session-1", "gemini-pro", first); got != first {
		t.Errorf("expected the oldest entry to be evicted and resolve as identity, got %q", got)
	}
}
